package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSecret      = errors.New("missing secret")
	ErrMissingParticipant = errors.New("missing participant id")
	ErrInvalidExpiry      = errors.New("invalid expiry")
	ErrWrongSession       = errors.New("token not valid for this session")
)

// Claims of a relay join token. The subject is the participant identity.
type Claims struct {
	Name string `json:"name,omitempty"`
	// SessionID restricts the token to one room when set.
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

func (c *Claims) ParticipantID() string { return c.Subject }

// Allows reports whether the token may join sessionID.
func (c *Claims) Allows(sessionID string) bool {
	return c.SessionID == "" || c.SessionID == sessionID
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{
		Secret: secret,
		Expiry: 7 * 24 * time.Hour,
		Issuer: "collabsync-relay",
	}
}

// Grant describes who a token is issued to.
type Grant struct {
	ParticipantID string
	Name          string
	SessionID     string
}

func CreateToken(g Grant, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", ErrMissingSecret
	}
	if g.ParticipantID == "" {
		return "", ErrMissingParticipant
	}
	if cfg.Expiry <= 0 {
		return "", ErrInvalidExpiry
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return "", err
	}

	now := time.Now()
	claims := Claims{
		Name:      g.Name,
		SessionID: g.SessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(cfg.Expiry)),
			ID:        hex.EncodeToString(jtiBytes),
			Subject:   g.ParticipantID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, ErrMissingSecret
	}

	var opts []jwt.ParserOption
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.Subject == "" {
		return nil, ErrMissingParticipant
	}
	return claims, nil
}
