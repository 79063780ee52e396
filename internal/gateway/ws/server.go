// Package ws streams pipeline events to dashboard clients over WebSocket.
// Clients connect to the logs endpoint and receive one JSON-encoded
// pipeline.Event per text message until they disconnect.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/pymakebot/internal/pipeline"
)

// Subprotocol is offered to clients that ask for one.
const Subprotocol = "pymakebot-events-v1"

const (
	defaultHeartbeat = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// Server upgrades HTTP requests and streams broker events.
type Server struct {
	broker    *Broker
	keys      []string
	heartbeat time.Duration
	logger    *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithKeys requires one of keys as a bearer token or token query parameter.
// No keys means no authentication.
func WithKeys(keys []string) ServerOption {
	return func(s *Server) { s.keys = keys }
}

// WithHeartbeat sets the ping interval.
func WithHeartbeat(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// NewServer creates a stream server over broker.
func NewServer(broker *Broker, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{broker: broker, heartbeat: defaultHeartbeat, logger: logger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn, r.URL.Query().Get("run_id"))
}

func (s *Server) authorized(r *http.Request) bool {
	if len(s.keys) == 0 {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	ok := false
	for _, key := range s.keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			ok = true
		}
	}
	return ok
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, runID string) {
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Clients only listen; CloseRead handles their control frames and
	// cancels ctx when they go away.
	ctx = conn.CloseRead(ctx)

	events, cancel := s.broker.Subscribe()
	defer cancel()

	s.logger.Info("log stream client connected",
		slog.String("run_filter", runID),
		slog.Int("subscribers", s.broker.Subscribers()),
	)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("log stream client disconnected")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if runID != "" && ev.RunID != runID {
				continue
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
					s.logger.Info("log stream client disconnected")
				} else {
					s.logger.Warn("log stream write failed", slog.String("error", err.Error()))
				}
				return
			}
		case <-ticker.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				s.logger.Debug("log stream ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev pipeline.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
