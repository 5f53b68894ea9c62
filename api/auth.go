package api

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// tokenTTL is how long an operator token stays valid after login.
const tokenTTL = 24 * time.Hour

// Claims carried by operator tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// authenticator guards the operator endpoints. The admin password is
// bcrypt-hashed once at construction and the plaintext is not retained.
type authenticator struct {
	secret       []byte
	passwordHash []byte
	totpSecret   string

	mu        sync.Mutex
	blacklist map[string]time.Time
}

func newAuthenticator(jwtSecret, adminPassword, totpSecret string) (*authenticator, error) {
	if jwtSecret == "" {
		return nil, errors.New("jwt secret is not set")
	}
	if adminPassword == "" {
		return nil, errors.New("admin password is not set")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash admin password: %w", err)
	}
	return &authenticator{
		secret:       []byte(jwtSecret),
		passwordHash: hash,
		totpSecret:   totpSecret,
		blacklist:    make(map[string]time.Time),
	}, nil
}

// CheckPassword compares a login attempt against the stored hash.
func (a *authenticator) CheckPassword(candidate string) bool {
	return bcrypt.CompareHashAndPassword(a.passwordHash, []byte(candidate)) == nil
}

// GenerateToken issues a signed operator token.
func (a *authenticator) GenerateToken() (string, error) {
	now := time.Now()
	claims := Claims{
		Role: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// ValidateToken parses and verifies a token string.
func (a *authenticator) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// BlacklistToken invalidates a token until its natural expiry. Expired
// entries are pruned on the way in so the map cannot grow unbounded.
func (a *authenticator) BlacklistToken(tokenString string, expiry time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	for tok, exp := range a.blacklist {
		if now.After(exp) {
			delete(a.blacklist, tok)
		}
	}
	a.blacklist[tokenString] = expiry
}

// IsTokenBlacklisted reports whether the token was logged out.
func (a *authenticator) IsTokenBlacklisted(tokenString string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	exp, ok := a.blacklist[tokenString]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(a.blacklist, tokenString)
		return false
	}
	return true
}

// VerifyResetCode checks the one-time code for the risk-reset endpoint.
// When no TOTP secret is configured the code is not required.
func (a *authenticator) VerifyResetCode(code string) bool {
	if a.totpSecret == "" {
		return true
	}
	return totp.Validate(code, a.totpSecret)
}
