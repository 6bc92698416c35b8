package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"circle/internal/models"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	outboxSize   = 256
	writeTimeout = 10 * time.Second
)

var errSlowConsumer = errors.New("client is not reading fast enough")

type wsConnection interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

// controlWriter is implemented by *websocket.Conn.
type controlWriter interface {
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
}

type commandHub interface {
	Handle(p Peer, frame models.ClientFrame) models.ServerFrame
	Disconnect(p Peer)
}

// Connection pumps frames between one websocket and the hub.
type Connection struct {
	ws       wsConnection
	hub      commandHub
	identity models.Identity
	roomID   string
	limiter  *rate.Limiter

	pingInterval time.Duration

	fromClient   chan models.ClientFrame
	outbox       chan models.ServerFrame
	overflow     chan struct{}
	overflowOnce sync.Once
	errorCh      chan error
}

type ConnectionConfig struct {
	Identity models.Identity
	RoomID   string
	// Limiter bounds SendMessage; nil means unlimited.
	Limiter *rate.Limiter
	// PingInterval enables keepalive pings when the socket supports control frames.
	PingInterval time.Duration
}

func NewConnection(hub commandHub, ws wsConnection, config ConnectionConfig) *Connection {
	return &Connection{
		ws:           ws,
		hub:          hub,
		identity:     config.Identity,
		roomID:       config.RoomID,
		limiter:      config.Limiter,
		pingInterval: config.PingInterval,
		fromClient:   make(chan models.ClientFrame),
		outbox:       make(chan models.ServerFrame, outboxSize),
		overflow:     make(chan struct{}),
		errorCh:      make(chan error, 2),
	}
}

func (c *Connection) Identity() models.Identity { return c.identity }

func (c *Connection) RoomID() string { return c.roomID }

func (c *Connection) Send(frame models.ServerFrame) bool {
	select {
	case c.outbox <- frame:
		return true
	default:
		c.overflowOnce.Do(func() { close(c.overflow) })
		return false
	}
}

func (c *Connection) AllowSend() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Handle runs the connection until the client goes away, the client falls
// behind, or ctx is done.
func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.hub.Disconnect(c)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	_ = c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) && !isClosure(err) {
		return err
	}
	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var frame models.ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return err
		}
		select {
		case c.fromClient <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	var ping <-chan time.Time
	control, canPing := c.ws.(controlWriter)
	if canPing && c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case frame := <-c.fromClient:
			// Events raised by the command are already queued, so the ack
			// always follows them on the wire.
			c.Send(c.hub.Handle(c, frame))
		case frame := <-c.outbox:
			if canPing {
				_ = control.SetWriteDeadline(time.Now().Add(writeTimeout))
			}
			if err := c.ws.WriteJSON(frame); err != nil {
				return err
			}
		case <-ping:
			if err := control.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case <-c.overflow:
			return errSlowConsumer
		case <-ctx.Done():
			return nil
		}
	}
}

func isClosure(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
