package live

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"socialfeed/internal/auth"
	"socialfeed/internal/log"

	"github.com/rs/zerolog"
	"golang.org/x/net/websocket"
)

const (
	DefaultWriteTimeout = 5 * time.Second
	maxInboundFrame     = 4 << 10
)

// Handler upgrades GET /post/feed/posted?token=... to a websocket and keeps
// it registered for the token's user until the client goes away. Inbound
// frames are read and discarded; they only keep the connection alive.
type Handler struct {
	registry     *Registry
	verifier     auth.Verifier
	writeTimeout time.Duration
	logger       zerolog.Logger
}

func NewHandler(registry *Registry, verifier auth.Verifier, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Handler{registry: registry, verifier: verifier, writeTimeout: writeTimeout, logger: log.WithComponent("live.ws")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := strings.TrimSpace(r.URL.Query().Get("token"))
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	claims, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		h.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket unauthorized")
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	// websocket.Server without a Handshake accepts clients that send no Origin.
	srv := websocket.Server{Handler: func(ws *websocket.Conn) { h.serve(ws, claims.UserID) }}
	srv.ServeHTTP(w, r)
}

func (h *Handler) serve(ws *websocket.Conn, userID string) {
	ws.MaxPayloadBytes = maxInboundFrame
	conn := &wsConn{ws: ws, writeTimeout: h.writeTimeout}
	h.registry.Register(conn, userID)
	defer func() {
		h.registry.Deregister(conn, userID)
		_ = ws.Close()
	}()

	for {
		var frame string
		if err := websocket.Message.Receive(ws, &frame); err != nil {
			h.logger.Debug().Err(err).Str("user_id", userID).Msg("websocket closed")
			return
		}
	}
}

type wsConn struct {
	mu           sync.Mutex
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return websocket.Message.Send(c.ws, string(payload))
}
