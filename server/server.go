// Package server serves the playground page and drives one playground
// controller per websocket connection.
package server

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/pyground/codec"
	"github.com/caffeineduck/pyground/executor"
	"github.com/caffeineduck/pyground/playground"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

//go:embed static
var staticFiles embed.FS

const maxShareBody = codec.MaxTextSize + 1024

// Option configures a Server.
type Option func(*Server)

// WithAllowedOrigins restricts websocket origins. Without it only the
// serving host and localhost are accepted.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		for _, origin := range origins {
			trimmed := strings.TrimSpace(origin)
			if trimmed == "" {
				continue
			}
			s.allowedOrigins[trimmed] = true
			if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
				s.allowedHosts[parsed.Host] = true
			}
		}
	}
}

// WithPublicURL sets the base of generated share links. By default the
// request's host is used.
func WithPublicURL(base string) Option {
	return func(s *Server) {
		s.publicURL = base
	}
}

// WithSessionOptions passes opts to every session started from the page.
func WithSessionOptions(opts ...executor.SessionOption) Option {
	return func(s *Server) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

// Server is the playground HTTP server.
type Server struct {
	sessions       playground.Sessions
	store          playground.CodeStore
	logger         *zap.Logger
	publicURL      string
	sessionOpts    []executor.SessionOption
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	upgrader       websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// New returns a server running code through sessions and saving the editor
// text to store. Every connection shares the one saved-code key, so the
// last page to edit wins, like a browser's per-origin storage.
func New(sessions playground.Sessions, store playground.CodeStore, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		sessions:       sessions,
		store:          store,
		logger:         logger,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		clients:        make(map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /", http.FileServer(http.FS(sub)))
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /api/share", s.handleShare)
	mux.HandleFunc("GET /api/share/{token}", s.handleUnshare)
	mux.HandleFunc("GET /health", s.handleHealth)
	return securityHeaders(mux)
}

// ListenAndServe serves on addr until ctx is done, then shuts down and
// closes every open websocket.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeClients()
	if errors.Is(<-errCh, http.ErrServerClosed) {
		s.logger.Info("server stopped")
	}
	return err
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.close()
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(2 * codec.MaxTextSize)

	logger := s.logger.With(zap.String("remote", r.RemoteAddr))
	c := newClient(conn, logger)

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	base := s.shareBase(r)
	ctrl := playground.New(s.sessions, console{c}, s.store,
		playground.WithLogger(logger),
		playground.WithSessionOptions(s.sessionOpts...),
		playground.WithShareHook(func(token string) {
			c.queue(ServerMessage{Type: MsgShare, Token: token, URL: base + "#" + token})
		}),
	)

	logger.Info("client connected")
	defer func() {
		ctrl.Close()
		c.close()
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		logger.Info("client disconnected")
	}()

	// The read loop ends when the page goes away or closeClients runs,
	// since writePump closes the connection on either.
	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.queue(ServerMessage{Type: MsgError, Text: "malformed message"})
			continue
		}

		switch msg.Type {
		case MsgHello:
			code, err := ctrl.Start(ctx, msg.Fragment)
			if err != nil {
				logger.Warn("start playground", zap.Error(err))
			}
			c.queue(ServerMessage{Type: MsgCode, Code: &code})
		case MsgCode:
			code := ""
			if msg.Code != nil {
				code = *msg.Code
			}
			if err := ctrl.SetCode(ctx, code); err != nil {
				if errors.Is(err, codec.ErrTooLarge) {
					c.queue(ServerMessage{Type: MsgError, Text: err.Error()})
					continue
				}
				logger.Warn("set code", zap.Error(err))
			}
		case MsgRun:
			ctrl.Run()
		case MsgStop:
			ctrl.Stop()
		default:
			c.queue(ServerMessage{Type: MsgError, Text: "unknown message type " + string(msg.Type)})
		}
	}
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxShareBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if err := codec.CheckSize(req.Code); err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error(), Cause: codec.CauseTooLarge.String()})
		return
	}

	token := codec.Encode(req.Code)
	writeJSON(w, http.StatusOK, shareResponse{
		Token: token,
		URL:   s.shareBase(r) + "#" + token,
	})
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request) {
	code, err := codec.Decode(r.PathValue("token"))
	if err != nil {
		resp := errorResponse{Error: err.Error()}
		var decodeErr *codec.DecodeError
		if errors.As(err, &decodeErr) {
			resp.Cause = decodeErr.Cause.String()
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	writeJSON(w, http.StatusOK, codeResponse{Code: code})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// shareBase returns the page URL share tokens are appended to.
func (s *Server) shareBase(r *http.Request) string {
	if s.publicURL != "" {
		return strings.TrimSuffix(s.publicURL, "/") + "/"
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/"
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}
	if host == r.Host {
		return true
	}

	switch parsed.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
