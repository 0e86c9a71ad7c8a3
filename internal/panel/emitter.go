package panel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/accordlabs/accord/internal/observe"
)

const writeTimeout = 5 * time.Second

// Conn is the transport half the Emitter writes to. *websocket.Conn from
// github.com/coder/websocket satisfies this through the adapter in
// internal/app; tests use in-memory fakes.
type Conn interface {
	// WriteJSON marshals v and writes it as one text message.
	WriteJSON(ctx context.Context, v any) error

	// Close closes the connection with the given status code and reason.
	Close(code int, reason string) error
}

// CloseReplaced is the close reason sent to a panel socket displaced by a
// newer connection from the same user.
const CloseReplaced = "replaced"

type sink struct {
	conn   Conn
	roomID string

	// writeMu serialises writes to one socket; coder/websocket allows only
	// one concurrent writer.
	writeMu sync.Mutex
}

// Emitter routes panel messages to connected users. Each user has at most
// one panel socket; connecting again replaces the old socket. Sends to users
// without a socket are dropped.
type Emitter struct {
	mu      sync.RWMutex
	sinks   map[string]*sink
	logger  *slog.Logger
	metrics *observe.Metrics
}

// NewEmitter creates an Emitter logging drops and write failures to logger.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		sinks:   make(map[string]*sink),
		logger:  logger,
		metrics: observe.DefaultMetrics(),
	}
}

// Register attaches conn as the panel socket for userID in roomID. An
// existing socket for the same user is closed with reason [CloseReplaced].
func (e *Emitter) Register(roomID, userID string, conn Conn) {
	e.mu.Lock()
	old := e.sinks[userID]
	e.sinks[userID] = &sink{conn: conn, roomID: roomID}
	e.mu.Unlock()

	if old != nil {
		// 1000 is normal closure; the reason tells the client not to retry.
		_ = old.conn.Close(1000, CloseReplaced)
		e.logger.Debug("panel socket replaced", "user_id", userID)
	}
}

// Unregister detaches conn for userID. A socket that has already been
// replaced by a newer one is left alone.
func (e *Emitter) Unregister(userID string, conn Conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sinks[userID]; ok && s.conn == conn {
		delete(e.sinks, userID)
	}
}

// Send delivers msg to userID's panel socket. Users without a socket are
// skipped silently; write failures are logged and the socket is dropped.
func (e *Emitter) Send(userID string, msg any) {
	e.mu.RLock()
	s := e.sinks[userID]
	e.mu.RUnlock()
	if s == nil {
		e.metrics.PanelDrops.Add(context.Background(), 1,
			metric.WithAttributes(observe.Attr("reason", "no_socket")))
		return
	}
	e.write(userID, s, msg)
}

// Broadcast delivers msg to every connected user of roomID.
func (e *Emitter) Broadcast(roomID string, msg any) {
	e.mu.RLock()
	targets := make(map[string]*sink)
	for id, s := range e.sinks {
		if s.roomID == roomID {
			targets[id] = s
		}
	}
	e.mu.RUnlock()

	for id, s := range targets {
		e.write(id, s, msg)
	}
}

// Connected reports whether userID currently has a panel socket.
func (e *Emitter) Connected(userID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.sinks[userID]
	return ok
}

func (e *Emitter) write(userID string, s *sink, msg any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.conn.WriteJSON(ctx, msg); err != nil {
		e.metrics.PanelDrops.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("reason", "write_failed")))
		e.logger.Warn("panel write failed, dropping socket", "user_id", userID, "error", err)
		e.Unregister(userID, s.conn)
		_ = s.conn.Close(1011, "write failed")
	}
}
