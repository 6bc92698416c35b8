package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"circle/internal/models"
)

const DefaultHistoryLimit = 500

type Identifier interface {
	Identify(token string) (models.Identity, error)
}

type RoomReader interface {
	ListRooms() ([]models.RoomMeta, error)
	GetRoom(id string) (models.RoomMeta, error)
	RecentMessages(roomID string, limit int) ([]models.ChatRecord, error)
}

// API serves the read side of rooms to authenticated clients.
type API struct {
	auth   Identifier
	rooms  RoomReader
	logger *slog.Logger
}

func New(auth Identifier, rooms RoomReader, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{auth: auth, rooms: rooms, logger: logger}
}

func getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return token
}

func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := a.auth.Identify(getToken(r)); err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// MeHandler serves GET /api/me, the identity behind the request token.
func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := a.auth.Identify(getToken(r))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	a.writeJSON(w, identity)
}

// RoomsHandler serves GET /api/rooms, the room list ordered by id.
func (a *API) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms, err := a.rooms.ListRooms()
	if err != nil {
		a.storageError(w, err)
		return
	}
	if rooms == nil {
		rooms = []models.RoomMeta{}
	}
	a.writeJSON(w, rooms)
}

// RoomHandler serves GET /api/rooms/{roomId}.
func (a *API) RoomHandler(w http.ResponseWriter, r *http.Request) {
	meta, err := a.rooms.GetRoom(r.PathValue("roomId"))
	if err != nil {
		a.storageError(w, err)
		return
	}
	a.writeJSON(w, meta)
}

// MessagesHandler serves GET /api/rooms/{roomId}/messages, oldest first.
// An optional limit query parameter caps how many of the newest messages
// are returned.
func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	limit := DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, DefaultHistoryLimit)
	}

	records, err := a.rooms.RecentMessages(r.PathValue("roomId"), limit)
	if err != nil {
		a.storageError(w, err)
		return
	}

	payload := make([]models.ReceiveMessagePayload, 0, len(records))
	for _, rec := range records {
		payload = append(payload, rec.Payload())
	}
	a.writeJSON(w, payload)
}

func (a *API) storageError(w http.ResponseWriter, err error) {
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "Room not found", http.StatusNotFound)
		return
	}
	a.logger.Error("storage error", "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func (a *API) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to encode response", "error", err)
	}
}
