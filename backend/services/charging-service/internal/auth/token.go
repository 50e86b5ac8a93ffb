package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenExpired = errors.New("token: expired")
	ErrTokenInvalid = errors.New("token: invalid")
)

// Claims is the JWT payload issued by the account service. Older tokens carry the user in "id".
type Claims struct {
	UserID   int64  `json:"user_id,omitempty"`
	LegacyID int64  `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// User returns the authenticated user id.
func (c *Claims) User() int64 {
	if c.UserID != 0 {
		return c.UserID
	}
	return c.LegacyID
}

// TokenService validates HS256 tokens and issues them for operators and tests.
type TokenService struct {
	secret    []byte
	expiresIn time.Duration
}

// NewTokenService returns configured token service.
func NewTokenService(secret string, expiresIn time.Duration) *TokenService {
	if expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}
	return &TokenService{secret: []byte(secret), expiresIn: expiresIn}
}

// GenerateToken issues a token for userID.
func (t *TokenService) GenerateToken(userID int64, role string) (string, error) {
	if userID == 0 {
		return "", errors.New("token: user id is required")
	}
	now := time.Now().UTC()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiresIn)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// ValidateToken verifies tokenString. Expiry is reported as ErrTokenExpired so clients can reset their session.
func (t *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("token: unexpected signing method")
		}
		return t.secret, nil
	})
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, ErrTokenExpired
	}
	if err != nil {
		return nil, errors.Join(ErrTokenInvalid, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.User() == 0 {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
