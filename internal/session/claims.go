package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"wattguard.io/internal/auth"
)

const tokenTypeAccess = "access"

// Claims is the access token payload.
type Claims struct {
	SessionID  string `json:"sid"`
	TenantID   string `json:"tid"`
	RememberMe bool   `json:"rm,omitempty"`
	Type       string `json:"typ"`
	jwt.RegisteredClaims
}

func (m *Manager) signAccessToken(s *auth.Session, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.AccessTTL.Std())
	claims := Claims{
		SessionID:  s.ID,
		TenantID:   s.TenantID,
		RememberMe: s.RememberMe,
		Type:       tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   s.PrincipalID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

func (m *Manager) parseAccessToken(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, auth.ErrTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(m.now),
		jwt.WithLeeway(m.leeway),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, auth.ErrTokenExpired
		}
		return nil, auth.ErrTokenInvalid
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, auth.ErrTokenInvalid
	}
	if claims.Type != tokenTypeAccess || claims.Subject == "" || claims.SessionID == "" {
		return nil, auth.ErrTokenInvalid
	}
	return claims, nil
}
