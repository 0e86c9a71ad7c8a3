package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/accordlabs/accord/internal/negotiation"
	"github.com/accordlabs/accord/internal/panel"
	"github.com/accordlabs/accord/internal/payment"
	"github.com/accordlabs/accord/internal/profile"
	"github.com/accordlabs/accord/internal/room"
	"github.com/accordlabs/accord/pkg/provider/llm"
	llmmock "github.com/accordlabs/accord/pkg/provider/llm/mock"
	"github.com/accordlabs/accord/pkg/provider/payments"
	paymock "github.com/accordlabs/accord/pkg/provider/payments/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubCapturer records CaptureHold calls for the escrow API tests.
type stubCapturer struct {
	res   *payments.CaptureResult
	err   error
	calls []string
}

func (s *stubCapturer) CaptureHold(_ context.Context, id string, _ int64) (*payments.CaptureResult, error) {
	s.calls = append(s.calls, id)
	return s.res, s.err
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, *room.Orchestrator) {
	t.Helper()

	em := panel.NewEmitter(testLogger())
	orc := room.NewOrchestrator(context.Background(), room.Config{
		LLM:         &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "draft"}},
		Payments:    payment.NewExecutor(&paymock.Provider{}, testLogger()),
		Profiles:    profile.NewStore(),
		Panel:       em,
		Logger:      testLogger(),
		Negotiation: negotiation.DefaultConfig(),
	})
	t.Cleanup(orc.Close)

	s := New(Config{
		Rooms:    orc,
		Panel:    em,
		Payments: &stubCapturer{res: &payments.CaptureResult{PaymentIntentID: "pi_1", AmountCaptured: 5000}},
		Logger:   testLogger(),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts, orc
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

// closeCode extracts the websocket close status from a read error.
func closeCode(err error) websocket.StatusCode {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestServer(t)
	for _, path := range []string{"/health", "/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("GET /metrics = %d, want 200", resp.StatusCode)
	}
}

func TestReleaseEscrowAPI(t *testing.T) {
	t.Parallel()

	t.Run("missing intent id", func(t *testing.T) {
		t.Parallel()
		_, ts, _ := newTestServer(t)

		resp, err := http.Post(ts.URL+"/api/release-escrow", "application/json", strings.NewReader(`{}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", resp.StatusCode)
		}
	})

	t.Run("capture succeeds", func(t *testing.T) {
		t.Parallel()
		_, ts, _ := newTestServer(t)

		resp, err := http.Post(ts.URL+"/api/release-escrow", "application/json",
			strings.NewReader(`{"paymentIntentId":"pi_1","amount":5000}`))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		var body struct {
			CapturedAmount int64 `json:"capturedAmount"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.CapturedAmount != 5000 {
			t.Errorf("capturedAmount = %d, want 5000", body.CapturedAmount)
		}
	})

	t.Run("provider failure", func(t *testing.T) {
		t.Parallel()
		s, ts, _ := newTestServer(t)
		s.cfg.Payments = &stubCapturer{err: errors.New("card declined")}

		resp, err := http.Post(ts.URL+"/api/release-escrow", "application/json",
			strings.NewReader(`{"paymentIntentId":"pi_bad"}`))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", resp.StatusCode)
		}
	})
}

func TestUnknownWSPathCloses4001(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/nothing?room=r1&user=u1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	_, _, err = c.Read(ctx)
	if got := closeCode(err); got != closeUnknownPath {
		t.Errorf("close code = %d, want 4001", got)
	}
}

func TestWSBadParamsCloses4000(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/panels?room=bad%20room&user=u1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	_, _, err = c.Read(ctx)
	if got := closeCode(err); got != closeBadParams {
		t.Errorf("close code = %d, want 4000", got)
	}
}

func TestAudioSocketRequiresMembership(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/audio?room=r1&user=u1"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	_, _, err = c.Read(ctx)
	if got := closeCode(err); got != closeNotInRoom {
		t.Errorf("close code = %d, want 4004", got)
	}
}

func TestPanelJoinFlowAndLeaveOnClose(t *testing.T) {
	t.Parallel()

	_, ts, orc := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/panels?room=r1&user=alice"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	send := func(v any) {
		t.Helper()
		if err := wsjson.Write(ctx, c, v); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	send(map[string]any{
		"type":    "set_profile",
		"profile": map[string]any{"displayName": "Alice", "role": "plumber"},
	})
	send(map[string]any{"type": "join_room", "roomId": "r1"})

	// The profile_saved ack and the joined status both arrive on this socket.
	sawJoined := false
	for !sawJoined {
		var msg map[string]any
		if err := wsjson.Read(ctx, c, &msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg["panel"] == "error" {
			t.Fatalf("unexpected error message: %v", msg)
		}
		if msg["panel"] == "status" && msg["event"] == "joined" {
			sawJoined = true
		}
	}

	if !orc.Member("r1", "alice") {
		t.Fatal("alice should be a member after join_room")
	}

	// Closing the panel socket leaves the room.
	c.Close(websocket.StatusNormalClosure, "")
	deadline := time.Now().Add(3 * time.Second)
	for orc.Member("r1", "alice") {
		if time.Now().After(deadline) {
			t.Fatal("alice should leave when the panel socket closes")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPanelJoinWrongRoomRejected(t *testing.T) {
	t.Parallel()

	_, ts, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, _, err := websocket.Dial(ctx, wsURL(ts, "/ws/panels?room=r1&user=bob"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.CloseNow()

	if err := wsjson.Write(ctx, c, map[string]any{"type": "join_room", "roomId": "other"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var msg map[string]any
	if err := wsjson.Read(ctx, c, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg["panel"] != "error" || msg["code"] != "bad_request" {
		t.Errorf("message = %v, want bad_request error", msg)
	}
}
