// Package app wires the HTTP surface of the server: health and metrics
// endpoints, the escrow capture API, and the two websocket endpoints that
// carry room audio and panel traffic. The room package owns everything that
// happens after a frame or message is accepted; app only authenticates the
// query parameters, adapts the sockets, and tears them down on shutdown.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/accordlabs/accord/internal/health"
	"github.com/accordlabs/accord/internal/observe"
	"github.com/accordlabs/accord/internal/panel"
	"github.com/accordlabs/accord/internal/room"
	"github.com/accordlabs/accord/pkg/provider/payments"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
	writeTimeout      = 5 * time.Second
)

// Capturer is the slice of the payment provider the escrow capture API
// needs. The API operates on provider payment intent IDs directly.
type Capturer interface {
	CaptureHold(ctx context.Context, paymentIntentID string, amount int64) (*payments.CaptureResult, error)
}

// Config wires a Server.
type Config struct {
	ListenAddr string

	// Rooms is the room directory all websocket traffic lands in.
	Rooms *room.Orchestrator

	// Panel delivers server-to-client panel messages. Panel sockets register
	// here.
	Panel *panel.Emitter

	// Payments backs POST /api/release-escrow. Nil disables the endpoint.
	Payments Capturer

	// Metrics wraps the mux. Nil falls back to the default set.
	Metrics *observe.Metrics

	Logger *slog.Logger

	// TLSCertFile and TLSKeyFile enable TLS when both are set.
	TLSCertFile string
	TLSKeyFile  string
}

// Server is the HTTP and websocket front of the negotiation service.
type Server struct {
	cfg    Config
	logger *slog.Logger
	srv    *http.Server

	// mu guards the socket tables used for replacement and shutdown.
	mu         sync.Mutex
	audioConns map[string]*websocket.Conn
	panelConns map[string]*websocket.Conn
}

// New builds a Server with all routes registered.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		audioConns: make(map[string]*websocket.Conn),
		panelConns: make(map[string]*websocket.Conn),
	}

	mux := http.NewServeMux()
	health.New().Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/release-escrow", s.handleReleaseEscrow)
	mux.HandleFunc("/ws/audio", s.handleAudio)
	mux.HandleFunc("/ws/panels", s.handlePanels)
	mux.HandleFunc("/ws/", s.handleUnknownWS)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           observe.Middleware(cfg.Metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler exposes the configured handler for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run serves until ctx is cancelled, then shuts down gracefully: the
// listener closes, live sockets get a going-away close, and the rooms are
// torn down.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("server listening", "addr", s.cfg.ListenAddr, "tls", s.cfg.TLSCertFile != "")
		var err error
		if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
			err = s.srv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			err = s.srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		s.closeSockets()
		s.cfg.Rooms.Close()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown error", "err", err)
		}
		return nil
	})

	return g.Wait()
}

// closeSockets sends a going-away close to every live websocket.
func (s *Server) closeSockets() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.audioConns)+len(s.panelConns))
	for _, c := range s.audioConns {
		conns = append(conns, c)
	}
	for _, c := range s.panelConns {
		conns = append(conns, c)
	}
	s.audioConns = make(map[string]*websocket.Conn)
	s.panelConns = make(map[string]*websocket.Conn)
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// handleReleaseEscrow captures a held payment intent. The body names the
// provider intent ID; a zero or absent amount captures the full hold.
func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Payments == nil {
		writeError(w, http.StatusServiceUnavailable, "payments are not configured")
		return
	}

	var body struct {
		PaymentIntentID string `json:"paymentIntentId"`
		Amount          int64  `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if body.PaymentIntentID == "" {
		writeError(w, http.StatusBadRequest, "paymentIntentId is required")
		return
	}

	res, err := s.cfg.Payments.CaptureHold(r.Context(), body.PaymentIntentID, body.Amount)
	if err != nil {
		s.logger.Error("escrow capture via API failed", "payment_intent", body.PaymentIntentID, "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("escrow captured via API",
		"payment_intent", res.PaymentIntentID, "amount", res.AmountCaptured)
	writeJSON(w, http.StatusOK, map[string]any{
		"paymentIntentId": res.PaymentIntentID,
		"capturedAmount":  res.AmountCaptured,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
