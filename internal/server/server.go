// Package server exposes the bot-facing websocket endpoint and the
// operational HTTP surface.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/internal/model"
	"github.com/relaymesh/relaymesh/internal/policy"
	"github.com/relaymesh/relaymesh/internal/session"
)

// Config holds server configuration.
type Config struct {
	ListenAddr string
	PolicyPath string
}

// Server runs the hub's HTTP listener: /v1/session (websocket),
// /healthz, and /metrics.
type Server struct {
	mu         sync.RWMutex
	cfg        Config
	hub        *session.Hub
	policies   *policy.Engine
	policyHash string
	log        *zap.Logger

	httpServer *http.Server
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// New creates a Server. The policy engine is shared with the router so
// hot reloads take effect on the next evaluation.
func New(cfg Config, hub *session.Hub, policies *policy.Engine, policyHash string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	hub.Normalize()

	s := &Server{
		cfg:        cfg,
		hub:        hub,
		policies:   policies,
		policyHash: policyHash,
		log:        log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/session", s.handleSession)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Serve blocks until the listener fails or Shutdown is called.
func (s *Server) Serve() error {
	s.log.Info("hub listening",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("policy_hash", s.PolicyHash()))
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeOn serves on an existing listener. For testing.
func (s *Server) ServeOn(lis net.Listener) error {
	err := s.httpServer.Serve(lis)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the HTTP handler, for mounting in tests or an outer
// mux.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown drains connections and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ReloadPolicy re-reads the policy file and swaps it into the shared
// engine.
func (s *Server) ReloadPolicy() error {
	p, hash, err := policy.LoadWithHash(s.cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("server: reload policy: %w", err)
	}
	s.policies.SetPolicyWithHash(p, hash)

	s.mu.Lock()
	s.policyHash = hash
	s.mu.Unlock()

	s.log.Info("policy reloaded", zap.String("policy_hash", hash))
	return nil
}

// PolicyHash returns the hash of the active policy file.
func (s *Server) PolicyHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policyHash
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","policy_hash":%q}`, s.PolicyHash())
}

// handleSession upgrades to a websocket and drives one session state
// machine per connection. Frames are processed strictly in receipt
// order.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	remoteIP := clientIP(r)
	headers := map[string]string{
		"User-Agent":      r.Header.Get("User-Agent"),
		"Accept":          r.Header.Get("Accept"),
		"X-Forwarded-For": r.Header.Get("X-Forwarded-For"),
	}

	conn := session.NewConn(s.hub, remoteIP, headers)
	s.log.Info("bot connected", zap.String("remote_ip", remoteIP))

	// A silent bot is dead after three missed heartbeats. Pong frames
	// and data frames both refresh the deadline.
	readWindow := 3 * time.Duration(s.hub.HeartbeatSec) * time.Second
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readWindow))
	})

	for {
		ws.SetReadDeadline(time.Now().Add(readWindow))
		var frame model.Frame
		if err := ws.ReadJSON(&frame); err != nil {
			break
		}

		var resp any
		switch frame.Type {
		case model.FrameOnboard:
			if frame.Onboard == nil {
				resp = &model.OnboardResponse{Status: model.StatusError, ErrorMessage: "missing onboard payload"}
				break
			}
			resp = conn.HandleOnboard(frame.Onboard)
		case model.FrameHandshake:
			if frame.Handshake == nil {
				resp = &model.HandshakeResponse{Status: model.StatusError, ErrorMessage: "missing handshake payload"}
				break
			}
			resp = conn.HandleHandshake(frame.Handshake)
		case model.FrameMessage:
			if frame.Message == nil {
				resp = &model.SessionResponse{Status: model.StatusError, ErrorMessage: "missing message payload"}
				break
			}
			resp = conn.HandleMessage(r.Context(), frame.Message)
		default:
			resp = &model.SessionResponse{Status: model.StatusError, ErrorMessage: "unknown frame type " + frame.Type}
		}

		if err := ws.WriteJSON(resp); err != nil {
			break
		}

		if conn.Closed() {
			deadline := time.Now().Add(time.Second)
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, conn.CloseReason())
			ws.WriteControl(websocket.CloseMessage, msg, deadline)
			break
		}
	}

	conn.LogClose()
}

// clientIP strips the port from the remote address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
