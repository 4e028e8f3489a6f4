// Copyright 2024-2026 Aiku AI

// Package ingest exposes the relay to event producers: a websocket stream
// for the game-side client and an HTTP API for trusted external sources.
package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-chatrelay/pkg/relay"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	maxFrameSize    = 64 << 10
	maxBodySize     = 64 << 10
	shutdownTimeout = 5 * time.Second
)

// Submitter accepts events for relaying. *relay.Relay implements it.
type Submitter interface {
	SubmitChat(evt relay.ChatEvent) error
	SubmitSale(evt relay.SaleEvent) error
	SubmitExternal(evt relay.ExternalEvent) error
	SubmitAvailability(evt relay.AvailabilityEvent) error
}

var _ Submitter = (*relay.Relay)(nil)

// Config configures the ingest listener.
type Config struct {
	// Addr is the listen address, e.g. "127.0.0.1:29330". Empty disables
	// the listener.
	Addr string `yaml:"addr"`
	// Token is the bearer token producers must present. Empty disables
	// authentication.
	Token string `yaml:"token"`
}

// Server accepts producer connections.
type Server struct {
	cfg       Config
	submitter Submitter
	upgrader  websocket.Upgrader
	log       zerolog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*websocket.Conn
	listener net.Listener
}

// NewServer creates a server that forwards to sub.
func NewServer(cfg Config, sub Submitter, log zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		submitter: sub,
		upgrader: websocket.Upgrader{
			// Producers are local processes, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[uuid.UUID]*websocket.Conn),
		log:      log.With().Str("component", "ingest").Logger(),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/source", s.handleSource)
	mux.HandleFunc("POST /api/external", s.handleExternal)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start listens on cfg.Addr and blocks until ctx is cancelled. Open
// websocket sessions are closed on shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	if s.cfg.Token == "" {
		s.log.Warn().Msg("Ingest token is empty, producers are not authenticated")
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("Ingest listener started")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn().Err(err).Msg("Ingest shutdown error")
		}
		s.closeSessions()
	}()

	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, conn := range s.sessions {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		delete(s.sessions, id)
	}
}

// Sessions returns the number of open websocket sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.Token == "" {
		return true
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, value, ok := strings.Cut(auth, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return false
		}
		token = strings.TrimSpace(value)
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": s.Sessions()})
}

func (s *Server) handleExternal(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, ack{Error: "unauthorized"})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req externalRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ack{Error: "invalid body: " + err.Error()})
		return
	}
	err := s.submitter.SubmitExternal(relay.ExternalEvent{Source: req.Source, AvatarURL: req.AvatarURL, Text: req.Text})
	if err != nil {
		writeJSON(w, submitStatus(err), ack{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, ack{OK: true})
}

// submitStatus maps a submit error to an HTTP status.
func submitStatus(err error) int {
	switch {
	case errors.Is(err, relay.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleSource(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	id := uuid.New()
	s.mu.Lock()
	s.sessions[id] = conn
	count := len(s.sessions)
	s.mu.Unlock()

	log := s.log.With().Stringer("session_id", id).Str("remote", r.RemoteAddr).Logger()
	log.Info().Int("sessions", count).Msg("Source connected")
	s.serveSession(r.Context(), conn, log)

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	_ = conn.Close()
	log.Info().Msg("Source disconnected")
}

// serveSession reads frames until the connection fails. Acks are written
// from this goroutine only; pings go through WriteControl.
func (s *Server) serveSession(ctx context.Context, conn *websocket.Conn, log zerolog.Logger) {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stopPing:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("Source read error")
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		reply := s.handleFrame(data, log)
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(reply); err != nil {
			log.Debug().Err(err).Msg("Failed to write ack")
			return
		}
	}
}

func (s *Server) handleFrame(data []byte, log zerolog.Logger) ack {
	f, err := decodeFrame(data)
	if err != nil {
		log.Debug().Err(err).Msg("Rejected frame")
		return ack{Error: err.Error()}
	}
	if err := f.submit(s.submitter); err != nil {
		log.Debug().Err(err).Str("type", f.Type).Msg("Rejected frame")
		return ack{Seq: f.Seq, Error: err.Error()}
	}
	return ack{Seq: f.Seq, OK: true}
}
