// Package ws serves the live telemetry WebSocket endpoint.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ch0002ic/balanced-corridor-planner/internal/config"
	"github.com/ch0002ic/balanced-corridor-planner/internal/hub"
	"github.com/ch0002ic/balanced-corridor-planner/internal/protocol"
)

// StateSource produces the authoritative resync envelope sent on connect.
type StateSource interface {
	StateEnvelope() protocol.Envelope
}

// Server handles WebSocket connections.
type Server struct {
	cfg      *config.Config
	hub      *hub.Hub
	state    StateSource
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

// NewServer creates a new WebSocket server.
func NewServer(cfg *config.Config, h *hub.Hub, state StateSource, logger zerolog.Logger) *Server {
	return &Server{
		cfg:   cfg,
		hub:   h,
		state: state,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.With().Str("component", "ws").Logger(),
	}
}

// Register mounts the endpoint on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/ws", s.HandleWebSocket)
}

// connection serializes writes; gorilla allows one concurrent writer.
type connection struct {
	ws  *websocket.Conn
	sub *hub.Subscription
	mu  sync.Mutex
}

func (c *connection) write(messageType int, data []byte, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(timeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *connection) writeJSON(env protocol.Envelope, timeout time.Duration) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data, timeout)
}

// HandleWebSocket upgrades the request and starts the connection pumps.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to upgrade websocket")
		return err
	}

	// Subscribe before taking the snapshot so nothing published in between is lost.
	conn := &connection{ws: ws, sub: s.hub.Subscribe(s.cfg.SendBuffer)}
	ws.SetReadLimit(s.cfg.MaxMessageSize)

	if err := conn.writeJSON(s.state.StateEnvelope(), s.cfg.WriteTimeout); err != nil {
		s.logger.Warn().Err(err).Msg("failed to send initial state")
		conn.sub.Unsubscribe()
		ws.Close()
		return nil
	}
	s.logger.Debug().Str("subscription", conn.sub.ID).Str("remote", c.RealIP()).Msg("observer connected")

	go s.writePump(conn)
	go s.readPump(conn)
	return nil
}

// readPump reads observer messages until the connection fails.
func (s *Server) readPump(conn *connection) {
	defer func() {
		conn.sub.Unsubscribe()
		conn.ws.Close()
		s.logger.Debug().Str("subscription", conn.sub.ID).Msg("observer disconnected")
	}()

	conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.handleMessage(conn, message)
	}
}

// writePump relays hub envelopes and keeps the transport alive with pings.
func (s *Server) writePump(conn *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case env, ok := <-conn.sub.C():
			if !ok {
				// Unsubscribed or evicted for falling behind; the observer resyncs on reconnect.
				conn.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "resync"), s.cfg.WriteTimeout)
				return
			}
			if err := conn.writeJSON(env, s.cfg.WriteTimeout); err != nil {
				s.logger.Debug().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			if err := conn.write(websocket.PingMessage, nil, s.cfg.WriteTimeout); err != nil {
				return
			}
		}
	}
}

// handleMessage answers observer messages. Only ping is understood.
func (s *Server) handleMessage(conn *connection, data []byte) {
	var msg protocol.Envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, "invalid JSON message")
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		conn.writeJSON(protocol.Must(protocol.TypePong, "", nil), s.cfg.WriteTimeout)
	default:
		s.sendError(conn, "unknown message type: "+msg.Type)
	}
}

func (s *Server) sendError(conn *connection, message string) {
	env := protocol.Must(protocol.TypeError, "", protocol.ErrorPayload{
		Code:    protocol.ErrorCodeInvalidFrame,
		Message: message,
	})
	conn.writeJSON(env, s.cfg.WriteTimeout)
}
