package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/c-pro/geche"
	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

const DefaultTokenExpiry = 168 * time.Hour

var (
	ErrNoToken        = errors.New("no token")
	ErrInvalidToken   = errors.New("invalid token")
	ErrInvalidPayload = errors.New("invalid token payload")
)

type Config struct {
	Secret      string        `json:"secret"`
	TokenExpiry time.Duration `json:"tokenExpiry"`
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return errors.New("secret is required")
	}

	if c.TokenExpiry == 0 {
		c.TokenExpiry = DefaultTokenExpiry
	}

	return nil
}

// Service issues and verifies the bearer tokens used by both the HTTP
// layer and the websocket handshake.
type Service struct {
	Config
	// Cache of already-verified tokens so the hot path skips signature
	// checks. Entries expire with the token TTL.
	verified geche.Geche[string, string]
	now      func() time.Time
}

func NewService(ctx context.Context, config Config) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		Config:   config,
		verified: geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		now:      time.Now,
	}, nil
}

// IssueToken signs a token carrying the user identifier in the "sub" claim.
func (s *Service) IssueToken(userID, email string) (string, int64, error) {
	now := s.now()
	exp := now.Add(s.TokenExpiry)

	claims := jwtlib.MapClaims{
		"sub":   userID,
		"email": email,
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"exp":   exp.Unix(),
	}

	token, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString([]byte(s.Secret))
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return token, exp.Unix(), nil
}

// VerifyToken returns the user identifier a token was issued for.
// It is used identically for HTTP requests and realtime handshakes.
func (s *Service) VerifyToken(token string) (string, error) {
	if token == "" {
		return "", ErrNoToken
	}

	if userID, err := s.verified.Get(token); err == nil {
		return userID, nil
	}

	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (any, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected alg: %v", t.Header["alg"])
		}
		return []byte(s.Secret), nil
	}, jwtlib.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwtlib.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return "", ErrInvalidPayload
	}

	s.verified.Set(token, sub)
	return sub, nil
}

// BearerToken extracts the credential from an HTTP request. The websocket
// handshake also passes through here: browsers cannot set headers on a
// websocket dial, so the "token" query parameter is accepted too.
func BearerToken(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return strings.TrimSpace(authz[len("bearer "):])
		}
	}
	if token := r.Header.Get("token"); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
