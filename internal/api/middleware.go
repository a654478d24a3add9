package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/metrics"
	"github.com/ctrlpark/ctrlpark/internal/monitor"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// ContextKeyDriver is the context key for the authenticated driver id.
const ContextKeyDriver contextKey = "driver_id"

// DriverHeader carries the driver id when token auth is disabled.
const DriverHeader = "X-Driver-ID"

// RoleAdmin is the token role allowed to read lot-wide history.
const RoleAdmin = "admin"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient role")
)

// Claims are the JWT claims accepted by the API. The subject is the
// driver's plate number.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256 bearer tokens. A nil Authenticator trusts
// the X-Driver-ID header instead, for development.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator returns nil when secret is empty.
func NewAuthenticator(secret string) *Authenticator {
	if secret == "" {
		return nil
	}
	return &Authenticator{secret: []byte(secret)}
}

// IssueToken signs a token for subject, used by tooling and tests.
func (a *Authenticator) IssueToken(subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify parses and validates a bearer token.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", ErrMissingToken
	}
	return parts[1], nil
}

// DriverMiddleware resolves the calling driver and stores it in the context.
func DriverMiddleware(auth *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var driver string
			if auth == nil {
				driver = monitor.DriverID(r.Header.Get(DriverHeader))
			} else {
				token, err := bearerToken(r)
				if err != nil {
					writeError(w, http.StatusUnauthorized, err.Error())
					return
				}
				claims, err := auth.Verify(token)
				if err != nil {
					writeError(w, http.StatusUnauthorized, err.Error())
					return
				}
				driver = monitor.DriverID(claims.Subject)
			}
			if driver == "" {
				writeError(w, http.StatusUnauthorized, monitor.ErrNoDriver.Error())
				return
			}

			ctx := context.WithValue(r.Context(), ContextKeyDriver, driver)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminMiddleware requires an admin token when authentication is enabled.
func AdminMiddleware(auth *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth != nil {
				token, err := bearerToken(r)
				if err != nil {
					writeError(w, http.StatusUnauthorized, err.Error())
					return
				}
				claims, err := auth.Verify(token)
				if err != nil {
					writeError(w, http.StatusUnauthorized, err.Error())
					return
				}
				if claims.Role != RoleAdmin {
					writeError(w, http.StatusForbidden, ErrForbidden.Error())
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PlateOwnerMiddleware guards per-plate views. With authentication enabled
// it admits admin tokens and driver tokens whose subject is the {plate}
// route variable.
func PlateOwnerMiddleware(auth *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if auth != nil {
				token, err := bearerToken(r)
				if err != nil {
					writeError(w, http.StatusUnauthorized, err.Error())
					return
				}
				claims, err := auth.Verify(token)
				if err != nil {
					writeError(w, http.StatusUnauthorized, err.Error())
					return
				}
				plate := monitor.DriverID(mux.Vars(r)["plate"])
				if claims.Role != RoleAdmin && monitor.DriverID(claims.Subject) != plate {
					writeError(w, http.StatusForbidden, ErrForbidden.Error())
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// DriverFromContext extracts the driver id from the request context.
func DriverFromContext(ctx context.Context) (string, bool) {
	driver, ok := ctx.Value(ContextKeyDriver).(string)
	return driver, ok
}

// LoggingMiddleware logs each request and records its duration per route.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tmpl, err := cur.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(wrapped.statusCode)).Observe(duration.Seconds())

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Int("status", wrapped.statusCode).
				Dur("duration", duration).
				Msg("API request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Hijack lets websocket upgrades take over the connection.
func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// CORSMiddleware creates middleware for CORS support.
func CORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if originAllowed(allowedOrigins, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+DriverHeader)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return false
	}
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}
