package api

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultTokenTTL is the lifetime of tokens issued by the login endpoint.
	DefaultTokenTTL = 24 * time.Hour

	// BcryptCost is the cost factor for operator password hashes.
	BcryptCost = 12

	maxLimiterKeys = 4096
)

// ErrInvalidCredentials is returned when login credentials are invalid.
var ErrInvalidCredentials = errors.New("invalid credentials")

// LoginRequest is an operator login.
type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// LoginResponse carries an admin token.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      string    `json:"role"`
}

// HashPassword hashes a password using bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword verifies a password against a hash.
func VerifyPassword(password, hash string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// login checks operator credentials and issues an admin token.
func (s *Server) login(username, password string) (LoginResponse, error) {
	hash, ok := s.config.Operators[username]
	if !ok {
		return LoginResponse{}, ErrInvalidCredentials
	}
	if err := VerifyPassword(password, hash); err != nil {
		return LoginResponse{}, ErrInvalidCredentials
	}

	ttl := s.config.TokenTTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	token, err := s.auth.IssueToken(username, RoleAdmin, ttl)
	if err != nil {
		return LoginResponse{}, fmt.Errorf("sign token: %w", err)
	}
	return LoginResponse{Token: token, ExpiresAt: time.Now().Add(ttl), Role: RoleAdmin}, nil
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		writeError(w, http.StatusNotImplemented, "Token authentication is disabled")
		return
	}
	if !s.loginLimiter.Allow(clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "Too many login attempts")
		return
	}

	var req LoginRequest
	if err := decodeJSON(r, s.validate, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			s.logger.Warn().Str("username", req.Username).Str("remote_addr", r.RemoteAddr).Msg("Failed login")
			writeError(w, http.StatusUnauthorized, "Invalid username or password")
			return
		}
		s.logger.Error().Err(err).Msg("Login error")
		writeError(w, http.StatusInternalServerError, "Login failed")
		return
	}

	s.logger.Info().Str("username", req.Username).Msg("Operator logged in")
	writeJSON(w, http.StatusOK, resp)
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimiter is a fixed-window limiter keyed by caller. A nil RateLimiter
// allows everything.
type RateLimiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *bucket]
	rate    int
	window  time.Duration
	now     func() time.Time
}

type bucket struct {
	tokens    int
	lastReset time.Time
}

// NewRateLimiter returns nil when requestsPerWindow is not positive.
func NewRateLimiter(requestsPerWindow int, window time.Duration) *RateLimiter {
	if requestsPerWindow <= 0 || window <= 0 {
		return nil
	}
	return &RateLimiter{
		buckets: expirable.NewLRU[string, *bucket](maxLimiterKeys, nil, 2*window),
		rate:    requestsPerWindow,
		window:  window,
		now:     time.Now,
	}
}

// Allow checks if a request from the given identifier is allowed.
func (rl *RateLimiter) Allow(identifier string) bool {
	if rl == nil {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets.Get(identifier)
	if !ok || now.Sub(b.lastReset) > rl.window {
		rl.buckets.Add(identifier, &bucket{tokens: rl.rate - 1, lastReset: now})
		return true
	}
	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}
