package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"circle/internal/models"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 16 * 1024
)

type Identifier interface {
	Identify(token string) (models.Identity, error)
}

type ServerConfig struct {
	Auth    Identifier
	Hub     *Hub
	Metrics *Metrics
	Logger  *slog.Logger
	// BaseContext ends every open connection when it is done.
	BaseContext context.Context
	// SendRate and SendBurst bound SendMessage per connection. A zero rate disables the limit.
	SendRate       rate.Limit
	SendBurst      int
	PongWait       time.Duration
	MaxMessageSize int64
}

type Server struct {
	config   ServerConfig
	upgrader *websocket.Upgrader
}

func NewServer(config ServerConfig) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.BaseContext == nil {
		config.BaseContext = context.Background()
	}
	if config.PongWait <= 0 {
		config.PongWait = defaultPongWait
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}
	if config.SendBurst <= 0 {
		config.SendBurst = 1
	}
	return &Server{
		config: config,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Clients authenticate with a token, not cookies.
			},
		},
	}
}

// HandleConnections serves GET /api/rooms/{roomId}/ws.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	token := r.Header.Get("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	identity, err := s.config.Auth.Identify(token)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	roomID := r.PathValue("roomId")
	exists, err := s.config.Hub.RoomExists(roomID)
	if err != nil {
		s.config.Logger.Error("failed to load room", "room", roomID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.config.Logger.Warn("error upgrading to websocket", "error", err)
		return
	}

	conn.SetReadLimit(s.config.MaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.config.PongWait))
	})

	var limiter *rate.Limiter
	if s.config.SendRate > 0 {
		limiter = rate.NewLimiter(s.config.SendRate, s.config.SendBurst)
	}

	c := NewConnection(s.config.Hub, conn, ConnectionConfig{
		Identity:     identity,
		RoomID:       roomID,
		Limiter:      limiter,
		PingInterval: s.config.PongWait * 9 / 10,
	})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.config.BaseContext, cancel)
	defer stop()

	s.config.Metrics.connectionOpened()
	defer s.config.Metrics.connectionClosed()

	s.config.Logger.Debug("websocket connected", "room", roomID, "user", identity.UserID)
	if err := c.Handle(ctx); err != nil && !errors.Is(err, errSlowConsumer) {
		s.config.Logger.Debug("websocket closed", "room", roomID, "user", identity.UserID, "error", err)
	} else if err != nil {
		s.config.Logger.Warn("dropped slow websocket client", "room", roomID, "user", identity.UserID)
	}
}
