package iam

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/medrex/opd-queue/pkg/config"
	"github.com/medrex/opd-queue/pkg/types"
)

// SessionClaims are the JWT claims of a session token. The registered ID
// claim carries the session id.
type SessionClaims struct {
	Username  string `json:"username"`
	Role      string `json:"role"`
	SubjectID string `json:"subject_id,omitempty"`
	jwt.RegisteredClaims
}

// TokenManager signs and validates session tokens
type TokenManager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenManager creates a token manager from the jwt config section
func NewTokenManager(cfg config.JWTConfig) *TokenManager {
	ttl := time.Duration(cfg.AccessTokenTTL) * time.Second
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &TokenManager{
		secret:   []byte(cfg.SecretKey),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      ttl,
		now:      time.Now,
	}
}

// TTL returns the lifetime of issued tokens
func (tm *TokenManager) TTL() time.Duration {
	return tm.ttl
}

// Issue signs a token for session. The token is issued at the session's
// creation time when one is set.
func (tm *TokenManager) Issue(session *types.Session) (*types.AuthToken, error) {
	now := session.CreatedAt
	if now.IsZero() {
		now = tm.now()
	}

	claims := &SessionClaims{
		Username:  session.Username,
		Role:      string(session.Role),
		SubjectID: session.SubjectID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        session.ID,
			Subject:   session.UserID,
			Issuer:    tm.issuer,
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	if tm.audience != "" {
		claims.Audience = jwt.ClaimStrings{tm.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(tm.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &types.AuthToken{
		AccessToken: tokenString,
		TokenType:   "Bearer",
		ExpiresIn:   int64(session.ExpiresAt.Sub(now).Seconds()),
		IssuedAt:    now,
	}, nil
}

// Validate parses tokenString and returns its claims
func (tm *TokenManager) Validate(tokenString string) (*SessionClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(tm.now),
		jwt.WithExpirationRequired(),
	}
	if tm.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tm.issuer))
	}
	if tm.audience != "" {
		opts = append(opts, jwt.WithAudience(tm.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		return tm.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAuthenticationError(types.ErrCodeAuthenticationFailed, "session token expired")
		}
		return nil, types.NewAuthenticationError(types.ErrCodeAuthenticationFailed, "invalid session token")
	}

	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid || claims.ID == "" {
		return nil, types.NewAuthenticationError(types.ErrCodeAuthenticationFailed, "invalid session token")
	}

	return claims, nil
}
