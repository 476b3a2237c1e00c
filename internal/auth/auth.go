// Package auth issues and validates the bearer tokens that guard the
// mutating status-API endpoints. Read-only endpoints stay open; anything
// that changes channel state requires an operator token.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Client roles, lowest to highest.
const (
	RoleViewer   = "viewer"   // Read-only access
	RoleOperator = "operator" // Channel control (restart, pause)
	RoleAdmin    = "admin"    // Full access
)

var (
	// ErrInvalidToken is returned when token validation fails
	ErrInvalidToken = errors.New("invalid or expired token")
)

// Claims represents the JWT claims for an API client
type Claims struct {
	Subject string `json:"sub_name"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Service signs and validates API tokens with a shared secret.
type Service struct {
	secret   []byte
	duration time.Duration
}

// NewService creates a token service. A zero duration defaults to 24h.
func NewService(secret string, duration time.Duration) *Service {
	if duration == 0 {
		duration = 24 * time.Hour
	}
	return &Service{
		secret:   []byte(secret),
		duration: duration,
	}
}

// GenerateToken issues a signed token for a named client.
func (s *Service) GenerateToken(subject, role string) (string, error) {
	claims := &Claims{
		Subject: subject,
		Role:    role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.duration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "skyfeed",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// ValidateToken validates a token string and returns its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// HasRole checks if a role meets a required level.
// Hierarchy: Admin > Operator > Viewer
func HasRole(userRole, requiredRole string) bool {
	roleLevel := map[string]int{
		RoleAdmin:    2,
		RoleOperator: 1,
		RoleViewer:   0,
	}

	userLevel, ok1 := roleLevel[userRole]
	requiredLevel, ok2 := roleLevel[requiredRole]
	if !ok1 || !ok2 {
		return false
	}
	return userLevel >= requiredLevel
}

// CanControlChannels checks if a role may restart or pause channels.
func CanControlChannels(role string) bool {
	return HasRole(role, RoleOperator)
}
