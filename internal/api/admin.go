package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"circle/internal/auth"
	"circle/internal/content"
	"circle/internal/models"
	"circle/internal/storage"
)

const (
	DefaultRoomCapacity = 12
	MaxRoomCapacity     = 100
)

type RoomCreator interface {
	CreateRoom(meta models.RoomMeta) error
}

type TokenIssuer interface {
	IssueToken(req auth.IssueTokenRequest) (auth.IssueTokenResponse, error)
	Revoke(token string) error
}

type RevokeTokenRequest struct {
	Token string `json:"token"`
}

// AdminHandler serves the operator endpoints. It is only exposed on the
// admin listener.
type AdminHandler struct {
	rooms  RoomCreator
	tokens TokenIssuer
	logger *slog.Logger
}

func NewAdminHandler(rooms RoomCreator, tokens TokenIssuer, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{rooms: rooms, tokens: tokens, logger: logger}
}

type CreateRoomRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Topic     string `json:"topic,omitempty"`
	Capacity  int    `json:"capacity,omitempty"`
	CreatorID string `json:"creatorId"`
}

func (req CreateRoomRequest) meta() (models.RoomMeta, error) {
	if err := content.ValidateHandle(req.ID); err != nil {
		return models.RoomMeta{}, fmt.Errorf("invalid room id: %w", err)
	}
	if err := content.ValidateHandle(req.CreatorID); err != nil {
		return models.RoomMeta{}, fmt.Errorf("invalid creator id: %w", err)
	}
	capacity := req.Capacity
	if capacity == 0 {
		capacity = DefaultRoomCapacity
	}
	if capacity < 2 || capacity > MaxRoomCapacity {
		return models.RoomMeta{}, fmt.Errorf("capacity must be between 2 and %d", MaxRoomCapacity)
	}
	return models.RoomMeta{
		ID:        req.ID,
		Name:      content.DisplayName(req.Name, req.ID),
		Topic:     content.DisplayName(req.Topic, ""),
		Capacity:  capacity,
		CreatorID: req.CreatorID,
	}, nil
}

// CreateRoomHandler serves POST /admin/rooms.
func (h *AdminHandler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	meta, err := req.meta()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.rooms.CreateRoom(meta); err != nil {
		if errors.Is(err, storage.ErrRoomExists) {
			http.Error(w, fmt.Sprintf("Room %s already exists", meta.ID), http.StatusConflict)
			return
		}
		h.logger.Error("failed to create room", "room", meta.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("room created", "room", meta.ID, "creator", meta.CreatorID, "capacity", meta.Capacity)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(meta); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

// IssueTokenHandler serves POST /admin/tokens.
func (h *AdminHandler) IssueTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.IssueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)

	resp, err := h.tokens.IssueToken(req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidUserID) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("failed to issue token", "user", req.UserID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Warn("failed to encode response", "error", err)
	}
}

// RevokeTokenHandler serves POST /admin/tokens/revoke. Revoking an unknown
// token succeeds.
func (h *AdminHandler) RevokeTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req RevokeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.tokens.Revoke(req.Token); err != nil {
		h.logger.Error("failed to revoke token", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
