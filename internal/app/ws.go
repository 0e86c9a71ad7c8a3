package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/accordlabs/accord/internal/panel"
	"github.com/accordlabs/accord/internal/room"
)

// Application close codes for the websocket endpoints.
const (
	closeBadParams   websocket.StatusCode = 4000
	closeUnknownPath websocket.StatusCode = 4001
	closeReplaced    websocket.StatusCode = 4002
	closeNotInRoom   websocket.StatusCode = 4004
)

// wsConn adapts *websocket.Conn to the panel emitter's Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) WriteJSON(ctx context.Context, v any) error {
	return wsjson.Write(ctx, w.conn, v)
}

func (w *wsConn) Close(code int, reason string) error {
	return w.conn.Close(websocket.StatusCode(code), reason)
}

// acceptWS upgrades the request and validates the room and user parameters.
// On a parameter failure the socket is accepted and immediately closed with
// closeBadParams so the client sees the code instead of a failed upgrade.
func (s *Server) acceptWS(w http.ResponseWriter, r *http.Request) (c *websocket.Conn, roomID, userID string, ok bool) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "path", r.URL.Path, "err", err)
		return nil, "", "", false
	}

	q := r.URL.Query()
	roomID, userID = q.Get("room"), q.Get("user")
	if !room.ValidID(roomID) || !room.ValidID(userID) {
		_ = c.Close(closeBadParams, "room and user must match [A-Za-z0-9_-]{1,64}")
		return nil, "", "", false
	}
	return c, roomID, userID, true
}

// handleUnknownWS answers websocket upgrades on unrecognised /ws/ paths.
func (s *Server) handleUnknownWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		http.NotFound(w, r)
		return
	}
	_ = c.Close(closeUnknownPath, "unknown path: "+r.URL.Path)
}

// handleAudio carries one member's raw PCM. Inbound binary frames feed the
// room (peer relay plus transcription); outbound frames are the peer's
// audio. The user must already be in the room via the panel socket.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	c, roomID, userID, ok := s.acceptWS(w, r)
	if !ok {
		return
	}

	rm, found := s.cfg.Rooms.Get(roomID)
	if !found || !s.cfg.Rooms.Member(roomID, userID) {
		_ = c.Close(closeNotInRoom, "join the room before opening audio")
		return
	}

	key := roomID + "/" + userID
	s.mu.Lock()
	if old := s.audioConns[key]; old != nil {
		_ = old.Close(closeReplaced, "replaced by a newer audio socket")
	}
	s.audioConns[key] = c
	s.mu.Unlock()

	rm.AttachAudioSink(userID, func(frame []byte) error {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		return c.Write(ctx, websocket.MessageBinary, frame)
	})

	s.logger.Info("audio socket open", "room", roomID, "user", userID)
	defer func() {
		rm.DetachAudioSink(userID)
		s.mu.Lock()
		if s.audioConns[key] == c {
			delete(s.audioConns, key)
		}
		s.mu.Unlock()
		s.logger.Info("audio socket closed", "room", roomID, "user", userID)
	}()

	for {
		typ, data, err := c.Read(r.Context())
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			continue
		}
		rm.HandleAudioFrame(userID, data)
	}
}

// handlePanels carries one user's JSON panel stream. set_profile and
// join_room are handled here; everything after joining is dispatched to the
// room. Closing the socket leaves the room.
func (s *Server) handlePanels(w http.ResponseWriter, r *http.Request) {
	c, roomID, userID, ok := s.acceptWS(w, r)
	if !ok {
		return
	}

	wc := &wsConn{conn: c}
	s.cfg.Panel.Register(roomID, userID, wc)
	s.mu.Lock()
	s.panelConns[roomID+"/"+userID] = c
	s.mu.Unlock()

	joined := false
	s.logger.Info("panel socket open", "room", roomID, "user", userID)
	defer func() {
		s.cfg.Panel.Unregister(userID, wc)
		s.mu.Lock()
		if s.panelConns[roomID+"/"+userID] == c {
			delete(s.panelConns, roomID+"/"+userID)
		}
		s.mu.Unlock()
		if joined {
			s.cfg.Rooms.Leave(roomID, userID)
		}
		s.logger.Info("panel socket closed", "room", roomID, "user", userID)
	}()

	for {
		_, data, err := c.Read(r.Context())
		if err != nil {
			return
		}

		in, err := room.ParseInbound(data)
		if err != nil {
			s.cfg.Panel.Send(userID, panel.NewError("bad_json", "message is not valid JSON"))
			continue
		}

		switch in.Type {
		case "set_profile":
			if in.Profile == nil {
				s.cfg.Panel.Send(userID, panel.NewError("bad_request", "set_profile requires a profile"))
				continue
			}
			if err := s.cfg.Rooms.SetProfile(userID, *in.Profile); err != nil {
				s.cfg.Panel.Send(userID, panel.NewError("bad_profile", err.Error()))
				continue
			}
			s.cfg.Panel.Send(userID, panel.NewStatus("profile_saved", userID, ""))

		case "join_room":
			// The socket is bound to its query room; joinRoom may only name
			// the same one.
			if in.RoomID != "" && in.RoomID != roomID {
				s.cfg.Panel.Send(userID, panel.NewError("bad_request",
					"this panel socket is bound to room "+roomID))
				continue
			}
			if _, err := s.cfg.Rooms.Join(roomID, userID); err != nil {
				s.cfg.Panel.Send(userID, panel.NewError(joinErrorCode(err), err.Error()))
				continue
			}
			joined = true

		default:
			rm, found := s.cfg.Rooms.Get(roomID)
			if !found {
				s.cfg.Panel.Send(userID, panel.NewError("not_member", "join the room first"))
				continue
			}
			rm.Dispatch(userID, in)
		}
	}
}

func joinErrorCode(err error) string {
	switch {
	case errors.Is(err, room.ErrRoomFull):
		return "room_full"
	case errors.Is(err, room.ErrBadID):
		return "bad_request"
	default:
		return "join_failed"
	}
}
