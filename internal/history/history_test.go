package history

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"circle/internal/models"

	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rooms/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.PathValue("id") != "calm" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(models.RoomMeta{
			ID: "calm", Name: "Calm corner", Topic: "Anxiety", Capacity: 8, CreatorID: "carol",
		})
	})
	mux.HandleFunc("GET /api/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(models.Identity{UserID: "alice", DisplayName: "Alice"})
	})
	mux.HandleFunc("GET /api/rooms/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") == "broken" {
			_, _ = w.Write([]byte("{not json"))
			return
		}
		if r.PathValue("id") == "failing" {
			http.Error(w, "database is locked", http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode([]models.ReceiveMessagePayload{
			{ID: "m1", User: models.RoomMember{ID: "bob", DisplayName: "Bob"}, Text: "hi", Timestamp: 1700000000000},
			{ID: "m2", User: models.RoomMember{ID: "alice", DisplayName: "Alice"}, Text: "hello", Timestamp: 1700000001000},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchRoomMetadata(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL+"/", "secret")

	meta, err := c.FetchRoomMetadata(context.Background(), "calm")
	require.NoError(t, err)
	require.Equal(t, models.RoomMeta{ID: "calm", Name: "Calm corner", Topic: "Anxiety", Capacity: 8, CreatorID: "carol"}, meta)
}

func TestFetchRoomMetadata_Errors(t *testing.T) {
	srv := newTestServer(t)

	_, err := NewClient(srv.URL, "secret").FetchRoomMetadata(context.Background(), "missing")
	require.ErrorIs(t, err, models.ErrHistoryLoadFailed)
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = NewClient(srv.URL, "wrong").FetchRoomMetadata(context.Background(), "calm")
	require.ErrorIs(t, err, models.ErrHistoryLoadFailed)
	require.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestFetchMessages(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL, "secret")

	msgs, err := c.FetchMessages(context.Background(), "calm")
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.Equal(t, "m1", msgs[0].ID)
	require.Equal(t, models.MessageStatusConfirmed, msgs[0].Status)
	require.Equal(t, "bob", msgs[0].Author.ID)
	require.Equal(t, "hi", msgs[0].Body)
	require.True(t, msgs[0].CreatedAt.Equal(time.UnixMilli(1700000000000)))
	require.Empty(t, msgs[0].Reactions)
	require.Equal(t, "m2", msgs[1].ID)
}

func TestFetchMessages_Failures(t *testing.T) {
	srv := newTestServer(t)
	c := NewClient(srv.URL, "secret")

	for _, roomID := range []string{"broken", "failing"} {
		_, err := c.FetchMessages(context.Background(), roomID)
		require.ErrorIs(t, err, models.ErrHistoryLoadFailed, roomID)
	}

	srv.Close()
	_, err := c.FetchMessages(context.Background(), "calm")
	require.ErrorIs(t, err, models.ErrHistoryLoadFailed)
}

func TestFetchIdentity(t *testing.T) {
	srv := newTestServer(t)

	identity, err := NewClient(srv.URL, "secret").FetchIdentity(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.Identity{UserID: "alice", DisplayName: "Alice"}, identity)

	_, err = NewClient(srv.URL, "wrong").FetchIdentity(context.Background())
	require.ErrorIs(t, err, models.ErrUnauthorized)
}
