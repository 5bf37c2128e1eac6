package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// AuthTypeUser and AuthTypeService tell interactive admins from automation
const (
	AuthTypeUser    = "user"
	AuthTypeService = "service"
)

var (
	// ErrMissingSecret is returned when no signing secret is configured
	ErrMissingSecret = errors.New("JWT secret is not configured")

	// ErrInvalidToken is returned for tokens that fail validation
	ErrInvalidToken = errors.New("invalid token")
)

// AdminClaims are carried by admin tokens
type AdminClaims struct {
	AdminID  string   `json:"admin_id"`
	AuthType string   `json:"auth_type"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasRole reports whether any of the claimed roles grants required
func (c *AdminClaims) HasRole(required Role) bool {
	for _, r := range c.Roles {
		if Role(r).HasPermission(required) {
			return true
		}
	}
	return false
}

// GenerateAdminJWT issues an HS256 admin token valid for ttl
func GenerateAdminJWT(adminID, authType string, roles []Role, ttl time.Duration, secret []byte) (string, time.Time, error) {
	if len(secret) == 0 {
		return "", time.Time{}, ErrMissingSecret
	}

	names := make([]string, 0, len(roles))
	for _, r := range roles {
		if !r.IsValid() {
			return "", time.Time{}, fmt.Errorf("unknown role %q", r)
		}
		names = append(names, r.String())
	}

	now := time.Now()
	exp := now.Add(ttl)
	claims := &AdminClaims{
		AdminID:  adminID,
		AuthType: authType,
		Roles:    names,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   adminID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ValidateAdminJWT verifies signature, algorithm and expiry of an admin token
func ValidateAdminJWT(tokenString string, secret []byte) (*AdminClaims, error) {
	if len(secret) == 0 {
		return nil, ErrMissingSecret
	}

	claims := &AdminClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.AdminID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
