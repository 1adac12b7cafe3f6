package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sentineliq/risk-engine/configs"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims are the JWT claims carried by API tokens. Token issuance lives
// in the identity service; this side only validates.
type Claims struct {
	Subject string `json:"sub_id"`
	OrgID   string `json:"org_id"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager validates API tokens
type JWTManager struct {
	secret     []byte
	expiration time.Duration
}

func NewJWTManager(cfg configs.JWTConfig) *JWTManager {
	return &JWTManager{secret: []byte(cfg.Secret), expiration: cfg.Expiration}
}

// ValidateToken parses and verifies a token and returns its claims
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return m.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateToken mints a token, used by tests and local tooling
func (m *JWTManager) GenerateToken(subject, orgID, role string) (string, error) {
	now := time.Now()
	claims := &Claims{
		Subject: subject,
		OrgID:   orgID,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}
