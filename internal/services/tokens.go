package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionDuration is 7 days
	SessionDuration = 7 * 24 * time.Hour
	// SessionKeyPrefix is the Redis key prefix for session tokens
	SessionKeyPrefix = "session:"
	// UserSessionKeyPrefix is the Redis key prefix for user->token mapping
	UserSessionKeyPrefix = "user_session:"
)

// TokenClaims is the identity embedded in a resumption token. The connection
// layer treats the token itself as opaque.
type TokenClaims struct {
	UserID      string `json:"id"`
	Username    string `json:"name"`
	Role        string `json:"role"`
	DeviceClass string `json:"device_class,omitempty"`
	IP          string `json:"ip,omitempty"`
}

// TokenService issues and validates opaque, time-limited resumption tokens
// backed by Redis. A valid token lets a reconnecting client skip the device
// decision engine.
type TokenService struct {
	rdb *redis.Client
}

func NewTokenService(rdb *redis.Client) *TokenService {
	return &TokenService{rdb: rdb}
}

// CreateSession issues a new token for the claims and stores it with a 7-day
// expiration. Any previous token for the same username is invalidated so the
// timer resets from the current login.
func (s *TokenService) CreateSession(ctx context.Context, claims TokenClaims) (string, error) {
	_ = s.InvalidateUserSessions(ctx, claims.Username)

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := base64.URLEncoding.EncodeToString(tokenBytes)

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}

	sessionKey := SessionKeyPrefix + token
	userSessionKey := UserSessionKeyPrefix + claims.Username

	if err := s.rdb.Set(ctx, sessionKey, payload, SessionDuration).Err(); err != nil {
		return "", err
	}
	if err := s.rdb.Set(ctx, userSessionKey, token, SessionDuration).Err(); err != nil {
		return "", err
	}

	return token, nil
}

// ValidateSession checks a token and returns its claims.
func (s *TokenService) ValidateSession(ctx context.Context, token string) (*TokenClaims, bool, error) {
	if token == "" {
		return nil, false, nil
	}

	payload, err := s.rdb.Get(ctx, SessionKeyPrefix+token).Result()
	if err != nil {
		return nil, false, nil
	}

	var claims TokenClaims
	if err := json.Unmarshal([]byte(payload), &claims); err != nil {
		return nil, false, err
	}
	return &claims, true, nil
}

// RefreshSession extends the token's expiration by 7 days from now.
func (s *TokenService) RefreshSession(ctx context.Context, token string) error {
	claims, ok, err := s.ValidateSession(ctx, token)
	if err != nil || !ok {
		return err
	}

	if err := s.rdb.Expire(ctx, SessionKeyPrefix+token, SessionDuration).Err(); err != nil {
		return err
	}
	return s.rdb.Expire(ctx, UserSessionKeyPrefix+claims.Username, SessionDuration).Err()
}

// InvalidateSession removes a token.
func (s *TokenService) InvalidateSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	payload, err := s.rdb.Get(ctx, SessionKeyPrefix+token).Result()
	if err == nil && payload != "" {
		var claims TokenClaims
		if json.Unmarshal([]byte(payload), &claims) == nil && claims.Username != "" {
			s.rdb.Del(ctx, UserSessionKeyPrefix+claims.Username)
		}
	}

	return s.rdb.Del(ctx, SessionKeyPrefix+token).Err()
}

// InvalidateUserSessions invalidates the current token for a username
// (useful when the password changes or the user is kicked).
func (s *TokenService) InvalidateUserSessions(ctx context.Context, username string) error {
	userSessionKey := UserSessionKeyPrefix + username

	token, err := s.rdb.Get(ctx, userSessionKey).Result()
	if err == nil && token != "" {
		s.rdb.Del(ctx, SessionKeyPrefix+token)
	}

	return s.rdb.Del(ctx, userSessionKey).Err()
}
