package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"circle/internal/api"
	"circle/internal/auth"
	"circle/internal/config"
	"circle/internal/models"
)

// CreateRoom asks the running server to create a room and prints it.
func CreateRoom(req api.CreateRoomRequest, cfg *config.Config, out io.Writer) error {
	var room models.RoomMeta
	if err := postAdmin(cfg, "/admin/rooms", req, &room); err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}

	fmt.Fprintf(out, "\nRoom Created Successfully!\n")
	fmt.Fprintf(out, "ID:        %s\n", room.ID)
	fmt.Fprintf(out, "Name:      %s\n", room.Name)
	fmt.Fprintf(out, "Capacity:  %d\n", room.Capacity)
	fmt.Fprintf(out, "Creator:   %s\n\n", room.CreatorID)
	return nil
}

// IssueToken asks the running server for a client token and prints it.
func IssueToken(req auth.IssueTokenRequest, cfg *config.Config, out io.Writer) error {
	var result auth.IssueTokenResponse
	if err := postAdmin(cfg, "/admin/tokens", req, &result); err != nil {
		return fmt.Errorf("failed to issue token: %w", err)
	}

	fmt.Fprintf(out, "\nToken Issued Successfully!\n")
	fmt.Fprintf(out, "User:      %s (%s)\n", result.UserID, result.DisplayName)
	fmt.Fprintf(out, "Token:     %s\n\n", result.Token)
	fmt.Fprintf(out, "Join a room with:\n  circle join --server %s --token %s <room>\n", strings.TrimSuffix(cfg.BaseURL, "/"), result.Token)
	return nil
}

func postAdmin(cfg *config.Config, path string, body, result any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := adminURL(cfg.AdminAddr) + path
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func adminURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	return "http://" + addr
}
