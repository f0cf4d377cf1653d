// Package ws provides the remote WebSocket transport surface.
//
// Two wire formats share one server: the browser endpoint (/audio) carries
// raw little-endian float32 mic frames inbound and 24 kHz int16 PCM
// outbound, authenticated by a device token; the telephony endpoint
// (/media/{callToken}) carries JSON envelopes with base64 mu-law 8 kHz
// payloads in both directions, authenticated by a one-time call token issued
// from a prior signed webhook.
package ws

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/voiceloop/pkg/transport"
)

const (
	// pingInterval keeps intermediaries from idling the connection out.
	pingInterval = 30 * time.Second

	// defaultBrowserRate is assumed when a browser client does not announce
	// its AudioContext rate via the `rate` query parameter.
	defaultBrowserRate = 48000
)

// SessionRunner is invoked once per accepted connection with a live adapter.
// It blocks for the lifetime of the voice session; when it returns the
// connection is torn down.
type SessionRunner func(ctx context.Context, adapter transport.Adapter, kind string)

// Config configures a [Server].
type Config struct {
	// DeviceTokens is the set of accepted browser device tokens. Requests
	// from the loopback address bypass the token check.
	DeviceTokens []string

	// Chime is cached 24 kHz int16 PCM for PlayChime on the connection
	// adapters. Nil selects the built-in chime.
	Chime []byte
}

// Server accepts voice WebSocket connections and hands each to the session
// runner. All exported methods are safe for concurrent use.
type Server struct {
	runner SessionRunner
	chime  []byte

	mu         sync.Mutex
	tokens     map[string]struct{}
	active     map[string]struct{} // device tokens with a live connection
	callTokens map[string]struct{} // unconsumed one-time telephony tokens
}

// NewServer creates a Server that dispatches sessions to runner.
func NewServer(cfg Config, runner SessionRunner) *Server {
	tokens := make(map[string]struct{}, len(cfg.DeviceTokens))
	for _, t := range cfg.DeviceTokens {
		tokens[t] = struct{}{}
	}
	return &Server{
		runner:     runner,
		chime:      cfg.Chime,
		tokens:     tokens,
		active:     make(map[string]struct{}),
		callTokens: make(map[string]struct{}),
	}
}

// Register adds the voice endpoints to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /audio", s.handleBrowser)
	mux.HandleFunc("GET /media/{callToken}", s.handleTelephony)
}

// IssueCallToken mints a one-time telephony call token. The webhook handler
// that answers the carrier's signed request embeds it in the stream URL.
func (s *Server) IssueCallToken() string {
	token := uuid.NewString()
	s.mu.Lock()
	s.callTokens[token] = struct{}{}
	s.mu.Unlock()
	return token
}

// ─── browser endpoint ─────────────────────────────────────────────────────────

func (s *Server) handleBrowser(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")

	if !isLoopback(r.RemoteAddr) {
		s.mu.Lock()
		_, ok := s.tokens[token]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "invalid device token", http.StatusUnauthorized)
			return
		}
	}
	if token == "" {
		// Loopback connections without a token still need a key for
		// duplicate tracking.
		token = "loopback"
	}

	// Reject duplicate connections for the same token.
	s.mu.Lock()
	if _, dup := s.active[token]; dup {
		s.mu.Unlock()
		http.Error(w, "a session is already connected for this token", http.StatusConflict)
		return
	}
	s.active[token] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, token)
		s.mu.Unlock()
	}()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("browser websocket accept failed", "err", err)
		return
	}

	rate := defaultBrowserRate
	if v := r.URL.Query().Get("rate"); v != "" {
		if parsed, perr := strconv.Atoi(v); perr == nil && parsed > 0 {
			rate = parsed
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	adapter := newBrowserConn(ctx, c, rate, s.chime)
	defer adapter.Close()

	go s.keepAlive(ctx, c, cancel)

	slog.Info("browser session connected", "remote", r.RemoteAddr, "rate", rate)
	s.runner(ctx, adapter, "browser")
	slog.Info("browser session ended", "remote", r.RemoteAddr)
}

// ─── telephony endpoint ───────────────────────────────────────────────────────

func (s *Server) handleTelephony(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("callToken")

	s.mu.Lock()
	_, ok := s.callTokens[token]
	if ok {
		delete(s.callTokens, token) // one-time
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "unknown call token", http.StatusForbidden)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("telephony websocket accept failed", "err", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	adapter := newTelephonyConn(ctx, c, s.chime)
	defer adapter.Close()

	go s.keepAlive(ctx, c, cancel)

	slog.Info("telephony session connected", "remote", r.RemoteAddr)
	s.runner(ctx, adapter, "telephony")
	slog.Info("telephony session ended", "remote", r.RemoteAddr)
}

// keepAlive pings the peer so NATs and proxies keep the connection open. A
// failed ping cancels the session.
func (s *Server) keepAlive(ctx context.Context, c *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := c.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.Debug("websocket ping failed; ending session", "err", err)
				cancel()
				return
			}
		}
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// isLoopback reports whether addr (host:port) is a loopback address.
func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
