package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"circle/internal/content"
	"circle/internal/models"

	"github.com/c-pro/geche"
)

const DefaultTokenExpiry = 12 * time.Hour

var (
	ErrInvalidToken  = fmt.Errorf("%w: invalid or expired token", models.ErrUnauthorized)
	ErrInvalidUserID = errors.New("invalid user id")
)

// IssueTokenRequest asks for a bearer token for an identity.
type IssueTokenRequest struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

type IssueTokenResponse struct {
	Token       string `json:"token"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	ExpiresAt   int64  `json:"expiresAt"`
}

// TokenRecord is a live token as persisted. Only the token hash is stored.
type TokenRecord struct {
	Hash      string
	Identity  models.Identity
	ExpiresAt int64
}

type TokenStore interface {
	UpsertToken(record TokenRecord) error
	GetToken(hash string) (TokenRecord, error)
	DeleteToken(hash string) error
}

type Config struct {
	Secret      string        `json:"secret"`
	secretBytes []byte        `json:"-"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

// AuthService maps opaque bearer tokens to identities.
type AuthService struct {
	Config
	users      *geche.Locker[string, models.Identity]
	liveTokens geche.Geche[string, TokenRecord]
	store      TokenStore
	now        func() time.Time
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	var err error
	c.secretBytes, err = base64.StdEncoding.DecodeString(c.Secret)
	if err != nil {
		return fmt.Errorf("auth secret is not a valid base64: %w", err)
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// NewAuthService creates the service. store may be nil, in which case
// tokens do not survive a restart.
func NewAuthService(ctx context.Context, config Config, store TokenStore) (*AuthService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &AuthService{
		Config:     config,
		users:      geche.NewLocker[string, models.Identity](geche.NewMapCache[string, models.Identity]()),
		liveTokens: geche.NewMapTTLCache[string, TokenRecord](ctx, config.TokenExpiry, time.Minute),
		store:      store,
		now:        time.Now,
	}, nil
}

func (as *AuthService) hashToken(token string) string {
	h := hmac.New(sha512.New, as.secretBytes)
	h.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// IssueToken registers the identity (updating its display name) and returns
// a fresh token for it.
func (as *AuthService) IssueToken(req IssueTokenRequest) (IssueTokenResponse, error) {
	if err := content.ValidateHandle(req.UserID); err != nil {
		return IssueTokenResponse{}, fmt.Errorf("%w: %w", ErrInvalidUserID, err)
	}
	identity := models.Identity{
		UserID:      req.UserID,
		DisplayName: content.DisplayName(req.DisplayName, req.UserID),
	}

	tx := as.users.Lock()
	tx.Set(identity.UserID, identity)
	tx.Unlock()

	token, err := as.generateToken()
	if err != nil {
		return IssueTokenResponse{}, err
	}

	record := TokenRecord{
		Hash:      as.hashToken(token),
		Identity:  identity,
		ExpiresAt: as.now().Add(as.TokenExpiry).Unix(),
	}
	if as.store != nil {
		if err := as.store.UpsertToken(record); err != nil {
			return IssueTokenResponse{}, fmt.Errorf("failed to persist token: %w", err)
		}
	}
	as.liveTokens.Set(record.Hash, record)

	slog.Info("token issued", "user_id", identity.UserID)
	return IssueTokenResponse{
		Token:       token,
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		ExpiresAt:   record.ExpiresAt,
	}, nil
}

// Identify resolves a token to its identity.
func (as *AuthService) Identify(token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, ErrInvalidToken
	}
	hash := as.hashToken(token)
	now := as.now().Unix()

	record, err := as.liveTokens.Get(hash)
	if err != nil {
		if as.store == nil {
			return models.Identity{}, ErrInvalidToken
		}
		record, err = as.store.GetToken(hash)
		if err != nil {
			return models.Identity{}, ErrInvalidToken
		}
		if record.ExpiresAt > now {
			as.liveTokens.Set(hash, record)
		}
	}
	if record.ExpiresAt <= now {
		_ = as.Revoke(token)
		return models.Identity{}, ErrInvalidToken
	}

	// The display name may have changed since the token was issued.
	tx := as.users.Lock()
	defer tx.Unlock()
	if current, err := tx.Get(record.Identity.UserID); err == nil {
		return current, nil
	}
	tx.Set(record.Identity.UserID, record.Identity)
	return record.Identity, nil
}

func (as *AuthService) Revoke(token string) error {
	hash := as.hashToken(token)
	_ = as.liveTokens.Del(hash)
	if as.store != nil {
		return as.store.DeleteToken(hash)
	}
	return nil
}

func (as *AuthService) generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
