// Package history fetches room metadata and past messages over the REST API.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"circle/internal/models"
)

// Client talks to the history endpoints of a server. Every failure wraps
// models.ErrHistoryLoadFailed; fetches are never retried.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		Token:      token,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) FetchRoomMetadata(ctx context.Context, roomID string) (models.RoomMeta, error) {
	var meta models.RoomMeta
	if err := c.get(ctx, &meta, "api", "rooms", roomID); err != nil {
		return models.RoomMeta{}, err
	}
	if meta.ID == "" {
		meta.ID = roomID
	}
	return meta, nil
}

// FetchIdentity resolves the client token to the identity it was issued for.
func (c *Client) FetchIdentity(ctx context.Context) (models.Identity, error) {
	var identity models.Identity
	if err := c.get(ctx, &identity, "api", "me"); err != nil {
		return models.Identity{}, err
	}
	return identity, nil
}

// FetchMessages returns the room log oldest-first with empty reactions.
func (c *Client) FetchMessages(ctx context.Context, roomID string) ([]models.Message, error) {
	var payload []models.ReceiveMessagePayload
	if err := c.get(ctx, &payload, "api", "rooms", roomID, "messages"); err != nil {
		return nil, err
	}

	msgs := make([]models.Message, 0, len(payload))
	for _, p := range payload {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: message without id in room %s", models.ErrHistoryLoadFailed, roomID)
		}
		msgs = append(msgs, models.Message{
			ID:        p.ID,
			Status:    models.MessageStatusConfirmed,
			Author:    p.User,
			Body:      p.Text,
			CreatedAt: time.UnixMilli(p.Timestamp),
		})
	}
	return msgs, nil
}

func (c *Client) get(ctx context.Context, v any, elem ...string) error {
	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("%w: invalid server url: %v", models.ErrHistoryLoadFailed, err)
	}
	endpoint := base.JoinPath(elem...).String()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrHistoryLoadFailed, err)
	}
	req.Header.Set("token", c.Token)
	req.Header.Set("Accept", "application/json")

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrHistoryLoadFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s: %w", models.ErrHistoryLoadFailed, endpoint, models.ErrNotFound)
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %s: %w", models.ErrHistoryLoadFailed, endpoint, models.ErrUnauthorized)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: status %d: %s", models.ErrHistoryLoadFailed, endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", models.ErrHistoryLoadFailed, endpoint, err)
	}
	return nil
}
