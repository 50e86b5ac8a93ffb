package ws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"flashcharge/backend/services/charging-service/internal/auth"
	"flashcharge/backend/services/charging-service/internal/registry"
)

// Close codes sent when a connection is refused after the upgrade.
const (
	CloseChargerRequired = 4000
	CloseAuthRequired    = 4001
	CloseInvalidToken    = 4002
	CloseRateLimited     = 4003
)

// TokenValidator checks subscriber tokens.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Server upgrades HTTP connections to push sockets.
type Server struct {
	manager      *Manager
	registry     *registry.Registry
	tokens       TokenValidator
	logger       *zap.Logger
	writeTimeout time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader
	trusted      []netip.Prefix
}

// Option customises a Server.
type Option func(*Server)

// WithTrustedProxies makes the server honor X-Forwarded-For on requests
// arriving from one of the given prefixes.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(s *Server) {
		s.trusted = prefixes
	}
}

// ParseTrustedProxies accepts bare addresses or CIDR ranges.
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		if strings.Contains(value, "/") {
			prefix, err := netip.ParsePrefix(value)
			if err != nil {
				return nil, fmt.Errorf("ws: trusted proxy %q: %w", value, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(value)
		if err != nil {
			return nil, fmt.Errorf("ws: trusted proxy %q: %w", value, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// NewServer builds ws server.
func NewServer(manager *Manager, reg *registry.Registry, tokens TokenValidator, writeTimeout, pingInterval time.Duration, logger *zap.Logger, opts ...Option) *Server {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	s := &Server{
		manager:      manager,
		registry:     reg,
		tokens:       tokens,
		logger:       logger,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HandleWS is the HTTP handler for /ws?charger=<id>&token=<jwt>.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	chargerID := strings.TrimSpace(r.URL.Query().Get("charger"))
	if code, reason := s.admit(s.clientIP(r), chargerID, r.URL.Query().Get("token")); code != 0 {
		s.logger.Info("push connection refused", zap.String("charger_id", chargerID), zap.Int("code", code), zap.String("reason", reason))
		reject(conn, code, reason)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	var connection *Connection
	connection = NewConnection(id, chargerID, conn, s.writeTimeout, s.pingInterval, s.logger,
		func() { s.registry.Touch(chargerID, id) },
		func() {
			s.manager.Remove(connection)
			cancel()
		},
	)
	s.manager.Add(connection)

	go connection.Start(ctx)
	s.logger.Info("push subscriber connected", zap.String("charger_id", chargerID))
}

func (s *Server) admit(ip, chargerID, token string) (int, string) {
	if !s.registry.Allow(ip) {
		return CloseRateLimited, "Too many connections"
	}
	if chargerID == "" {
		return CloseChargerRequired, "Charger ID required"
	}
	if token == "" {
		return CloseAuthRequired, "Authentication required"
	}
	if _, err := s.tokens.ValidateToken(token); err != nil {
		return CloseInvalidToken, "Invalid token"
	}
	return 0, ""
}

func reject(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	_ = conn.Close()
}

// clientIP is the peer address, or the nearest untrusted X-Forwarded-For hop
// when the peer is a trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if !s.isTrusted(host) {
		return host
	}
	hops := strings.Split(strings.Join(r.Header.Values("X-Forwarded-For"), ","), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !s.isTrusted(hop) || i == 0 {
			return hop
		}
	}
	return host
}

func (s *Server) isTrusted(ip string) bool {
	if len(s.trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range s.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
