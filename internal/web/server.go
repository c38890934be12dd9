// Package web exposes the status map over HTTP: a snapshot API for
// hydration, a websocket stream for live changes, the transition journal,
// and optional web push for "agent needs attention" moments.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/twistedxcom/panewatch/internal/history"
	"github.com/twistedxcom/panewatch/internal/logging"
	"github.com/twistedxcom/panewatch/internal/monitor"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	Token      string
	Dir        string // state directory for push subscription persistence

	PushEnabled         bool
	PushVAPIDPublicKey  string
	PushVAPIDPrivateKey string
	PushVAPIDSubject    string
}

// StatusSource is the detector-facing boundary.
type StatusSource interface {
	Subscribe(fn monitor.Subscriber) map[string]monitor.Entry
	GetAll() map[string]monitor.Entry
}

// HistorySource supplies the transition journal. May be nil.
type HistorySource interface {
	Recent(limit int) ([]history.Transition, error)
}

// Server wraps the HTTP server for panewatch web mode.
type Server struct {
	cfg        Config
	httpServer *http.Server
	status     StatusSource
	journal    HistorySource
	hub        *wsHub
	push       *pushService

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a server with routes and middleware configured.
// It subscribes to the status source immediately so no change between
// construction and Start is lost.
func NewServer(cfg Config, status StatusSource, journal HistorySource) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8430"
	}

	s := &Server{
		cfg:     cfg,
		status:  status,
		journal: journal,
		hub:     newWSHub(),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	if cfg.PushEnabled {
		push, err := newPushService(cfg)
		if err != nil {
			webLog.Warn("push_disabled", slog.String("error", err.Error()))
		} else {
			s.push = push
		}
	}

	status.Subscribe(s.onChange)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/push/config", s.handlePushConfig)
	mux.HandleFunc("/api/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("/api/push/unsubscribe", s.handlePushUnsubscribe)
	mux.HandleFunc("/ws/status", s.handleStatusWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.httpServer.Addr }

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start blocks until shutdown or listen error. Graceful shutdown returns nil.
func (s *Server) Start() error {
	webLog.Info("web_started", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, force-closing long-lived websocket
// connections that outlive the deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	s.hub.closeAll()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

// onChange fans a detector change out to websocket clients and push.
func (s *Server) onChange(c monitor.Change) {
	s.hub.broadcast(changeMessage(c))
	if s.push != nil && !c.Removed && c.New == monitor.StatusWaiting {
		s.push.notifyWaiting(c)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	writeJSON(w, snapshotPayload(s.status.GetAll()))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.journal == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "journal disabled")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	transitions, err := s.journal.Recent(limit)
	if err != nil {
		webLog.Warn("history_query_failed", slog.String("error", err.Error()))
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "journal query failed")
		return
	}
	writeJSON(w, map[string]any{"transitions": transitions})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}
