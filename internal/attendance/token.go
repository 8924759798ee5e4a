package attendance

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"eventcredits/internal/domain"
)

// Token is a QR attendance token as shown on the coordinator's screen.
type Token struct {
	EventID   uuid.UUID `json:"event_id"`
	Payload   string    `json:"payload"`
	QRCode    string    `json:"qr_code"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenClaims are the claims carried in an attendance token. The token is
// signed with the event's own secret.
type TokenClaims struct {
	EventID uuid.UUID `json:"eid"`
	jwt.RegisteredClaims
}

// TokenSigner issues and verifies short-lived attendance tokens.
type TokenSigner struct {
	TTL time.Duration
	Now func() time.Time
}

// Sign returns a compact JWT for ev valid for TTL from now.
func (s TokenSigner) Sign(ev domain.Event) (string, TokenClaims, error) {
	if len(ev.QRSecret) == 0 {
		return "", TokenClaims{}, fmt.Errorf("event %s has no qr secret", ev.ID)
	}
	now := s.Now().Truncate(time.Second)
	claims := TokenClaims{
		EventID: ev.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.TTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ev.QRSecret)
	if err != nil {
		return "", TokenClaims{}, fmt.Errorf("sign attendance token: %w", err)
	}
	return signed, claims, nil
}

// EventIDFromToken reads the event id without checking the signature, so the
// caller can look up the secret to verify with.
func EventIDFromToken(raw string) (uuid.UUID, error) {
	var claims TokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", domain.ErrMalformedToken, err)
	}
	if claims.EventID == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: missing event id", domain.ErrMalformedToken)
	}
	return claims.EventID, nil
}

// Verify checks the signature and validity window of raw against secret.
func (s TokenSigner) Verify(raw string, secret []byte) (TokenClaims, error) {
	var claims TokenClaims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return TokenClaims{}, fmt.Errorf("attendance token: %w", domain.ErrTokenExpired)
	default:
		return TokenClaims{}, fmt.Errorf("%w: %v", domain.ErrMalformedToken, err)
	}
}
