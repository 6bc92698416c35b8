package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"circle/internal/models"

	"github.com/gorilla/websocket"
)

// Conn is the push channel of one room connection.
type Conn interface {
	Close() error
	WriteJSON(v any) error
	ReadJSON(v any) error
}

type Dialer interface {
	Dial(ctx context.Context, roomID string) (Conn, error)
}

// WebsocketDialer connects to the room websocket endpoint of a server.
type WebsocketDialer struct {
	// BaseURL is the server URL; http and https schemes are mapped to ws and wss.
	BaseURL string
	Token   string
	Dialer  *websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context, roomID string) (Conn, error) {
	endpoint, err := RoomURL(d.BaseURL, roomID)
	if err != nil {
		return nil, err
	}

	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}

	header := http.Header{}
	header.Set("token", d.Token)

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial %s: %w", endpoint, models.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return conn, nil
}

// RoomURL builds the websocket endpoint of roomID on the server at baseURL.
func RoomURL(baseURL, roomID string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	return u.JoinPath("api", "rooms", roomID, "ws").String(), nil
}
