package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"

	"github.com/coinstash/pairlink/internal/logging"
	"github.com/coinstash/pairlink/internal/protocol"
	"github.com/coinstash/pairlink/internal/token"
)

const (
	// wsReadLimit bounds a single inbound frame. Relay payloads are
	// small JSON envelopes; anything near this size is abuse.
	wsReadLimit = 1 * 1024 * 1024
)

// ServerConfig contains broker server configuration.
type ServerConfig struct {
	// Address to listen on (e.g. ":8443").
	Address string

	// Path is the websocket upgrade path peers connect to.
	Path string

	// ReadTimeout and WriteTimeout apply to the provisioning HTTP
	// endpoints, not to long-lived websocket connections.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8443",
		Path:         "/pair",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// IssueTokenResponse is the body returned by the token issue endpoint.
type IssueTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenStatusResponse is the body returned by the token status endpoint.
type TokenStatusResponse struct {
	Paired          bool      `json:"paired"`
	AppConnected    bool      `json:"appConnected"`
	BridgeConnected bool      `json:"bridgeConnected"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// Server exposes the broker's websocket endpoint and the provisioning
// HTTP API (token issue/status, health, metrics).
type Server struct {
	cfg      ServerConfig
	broker   *Broker
	registry *token.Registry
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a broker server around an existing broker and
// token registry.
func NewServer(cfg ServerConfig, b *Broker, registry *token.Registry) *Server {
	if cfg.Path == "" {
		cfg.Path = "/pair"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}

	s := &Server{
		cfg:      cfg,
		broker:   b,
		registry: registry,
		logger:   logger.With(logging.KeyComponent, "broker_server"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handlePair)
	mux.HandleFunc("/v1/tokens", s.handleTokens)
	mux.HandleFunc("/v1/tokens/", s.handleTokenStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	return s
}

// Start begins listening. Websocket connections are served until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	s.logger.Info("broker listening",
		logging.KeyRemoteAddr, ln.Addr().String(),
		"path", s.cfg.Path)
	return nil
}

// Stop shuts the server down. Safe to call multiple times.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handlePair upgrades the connection, validates the pairing parameters
// and runs the read loop feeding the broker. Rejections use distinct,
// stable close codes so clients can decide whether to retry,
// re-provision a token, or give up.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Peers are native clients, not browsers.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	conn.SetReadLimit(wsReadLimit)

	secret := r.URL.Query().Get(protocol.ParamToken)
	role := protocol.Role(r.URL.Query().Get(protocol.ParamRole))

	if secret == "" || !role.Valid() {
		s.broker.metrics.RecordRejection("missing_params")
		s.reject(conn, protocol.CloseMissingParams, "missing token or role")
		return
	}

	tok, err := s.registry.Validate(secret)
	if err != nil {
		s.broker.metrics.RecordRejection("invalid_token")
		s.reject(conn, protocol.CloseInvalidToken, "invalid or expired token")
		return
	}

	handle := newWSConn(conn)
	if err := s.broker.Register(tok, role, handle); err != nil {
		switch {
		case errors.Is(err, ErrCapacityExceeded):
			s.reject(conn, protocol.CloseCapacityExceeded, "capacity exceeded")
		case errors.Is(err, ErrRoleOccupied):
			s.reject(conn, protocol.CloseRoleOccupied, "role already occupied")
		default:
			conn.Close(websocket.StatusInternalError, "registration failed")
		}
		return
	}

	// Read loop. Every inbound frame goes through the broker; a read
	// error of any kind means the peer is gone.
	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		s.broker.Forward(tok.ID, role, data)
	}

	s.broker.Disconnect(tok.ID, role)
}

// reject closes a pairing attempt with its stable close code.
func (s *Server) reject(conn *websocket.Conn, code int, reason string) {
	s.logger.Debug("pairing rejected",
		logging.KeyCloseCode, code,
		logging.KeyError, reason)
	conn.Close(websocket.StatusCode(code), reason)
}

// handleTokens issues a new pairing token.
func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tok, err := s.registry.Issue()
	if err != nil {
		switch {
		case errors.Is(err, token.ErrCapacity):
			http.Error(w, "capacity exceeded", http.StatusServiceUnavailable)
		case errors.Is(err, token.ErrRateLimited):
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		default:
			http.Error(w, "token issuance failed", http.StatusInternalServerError)
		}
		return
	}

	s.broker.metrics.TokensIssued.Inc()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(IssueTokenResponse{
		Token:     tok.Secret,
		ExpiresAt: tok.ExpiresAt,
	})
}

// handleTokenStatus reports pairing and connection state for a token.
func (s *Server) handleTokenStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	secret := strings.TrimPrefix(r.URL.Path, "/v1/tokens/")
	if secret == "" {
		http.Error(w, "token required", http.StatusBadRequest)
		return
	}

	tok, err := s.registry.Validate(secret)
	if err != nil {
		http.Error(w, "token not found", http.StatusNotFound)
		return
	}

	appConnected, bridgeConnected := s.broker.Status(tok.ID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(TokenStatusResponse{
		Paired:          tok.Paired,
		AppConnected:    appConnected,
		BridgeConnected: bridgeConnected,
		ExpiresAt:       tok.ExpiresAt,
	})
}

// handleHealthz reports broker liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status": "ok",
		"groups": s.broker.GroupCount(),
		"tokens": s.registry.Len(),
	})
}

// wsConn adapts a websocket connection to the broker's Conn interface.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// Send writes one frame as a text message. Writes are serialized; the
// broker may send control frames from several goroutines.
func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// CloseWithCode closes the connection with a stable close code.
func (c *wsConn) CloseWithCode(code int, reason string) error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close(websocket.StatusCode(code), reason)
}
