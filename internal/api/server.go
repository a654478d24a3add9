// Package api serves the parking history views, the driver slot monitor and
// the live slot feed over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/history"
	"github.com/ctrlpark/ctrlpark/internal/monitor"
	"github.com/ctrlpark/ctrlpark/internal/storage"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr     string
	JWTSecret      string
	AllowedOrigins []string
	Layout         monitor.Layout
	Clock          monitor.Clock

	// Operators maps operator usernames to bcrypt password hashes.
	Operators map[string]string
	TokenTTL  time.Duration

	// Per-minute request caps; 0 disables. Position reports are keyed by
	// driver, logins by remote address.
	PositionRate int
	LoginRate    int
}

// Server represents the API HTTP server.
type Server struct {
	config   Config
	history  *history.Service
	registry *monitor.Registry
	store    storage.DocumentStore
	hub      *Hub
	auth     *Authenticator
	validate *validator.Validate
	upgrader websocket.Upgrader

	positionLimiter *RateLimiter
	loginLimiter    *RateLimiter

	router   *mux.Router
	handler  http.Handler
	server   *http.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, svc *history.Service, registry *monitor.Registry, store storage.DocumentStore, hub *Hub, logger zerolog.Logger) *Server {
	if cfg.Clock == nil {
		cfg.Clock = monitor.RealClock{}
	}

	s := &Server{
		config:   cfg,
		history:  svc,
		registry: registry,
		store:    store,
		hub:      hub,
		auth:     NewAuthenticator(cfg.JWTSecret),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		router:   mux.NewRouter(),
		logger:   logger.With().Str("component", "api").Logger(),

		positionLimiter: NewRateLimiter(cfg.PositionRate, time.Minute),
		loginLimiter:    NewRateLimiter(cfg.LoginRate, time.Minute),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}

	s.setupRoutes()
	s.handler = CORSMiddleware(cfg.AllowedOrigins)(s.router)

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ws", s.handleFeed).Methods("GET")
	s.router.HandleFunc("/api/login", s.handleLogin).Methods("POST")

	// Driver session
	driver := s.router.PathPrefix("/api/driver").Subrouter()
	driver.Use(DriverMiddleware(s.auth))
	driver.HandleFunc("/state", s.handleDriverState).Methods("GET")
	driver.HandleFunc("/position", s.handlePosition).Methods("POST")
	driver.HandleFunc("/slots/{slot}/select", s.handleSelect).Methods("POST")
	driver.HandleFunc("/slots/{slot}/confirm", s.handleConfirm).Methods("POST")

	// Per-plate views, open to the plate's driver and to admins
	owner := PlateOwnerMiddleware(s.auth)
	s.router.Handle("/api/history/{plate}", owner(http.HandlerFunc(s.handlePlateHistory))).Methods("GET")
	s.router.Handle("/api/history/{plate}/recent", owner(http.HandlerFunc(s.handleRecent))).Methods("GET")
	s.router.Handle("/api/history/{plate}/stats", owner(http.HandlerFunc(s.handleStats))).Methods("GET")

	// Lot-wide views
	admin := s.router.PathPrefix("/api").Subrouter()
	admin.Use(AdminMiddleware(s.auth))
	admin.HandleFunc("/history", s.handleHistory).Methods("GET")
	admin.HandleFunc("/slot-history", s.handleSlotHistory).Methods("GET")
	admin.HandleFunc("/slots", s.handleSlots).Methods("GET")
	admin.HandleFunc("/slots/{slot}/corroborate", s.handleCorroborate).Methods("POST")
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetListener sets a pre-existing listener (for systemd socket activation).
func (s *Server) SetListener(listener net.Listener) {
	s.listener = listener
}

// Start starts the API server.
func (s *Server) Start() error {
	if s.listener != nil {
		s.logger.Info().
			Str("addr", s.listener.Addr().String()).
			Msg("Starting API server (systemd socket)")

		go func() {
			if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
				s.logger.Error().Err(err).Msg("API server error")
			}
		}()
		return nil
	}

	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server and disconnects feed clients.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.hub.Close()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"drivers":      s.registry.Len(),
		"feed_clients": s.hub.ClientCount(),
	})
}

// handleFeed upgrades to the slot change websocket. With token auth the
// token travels in the query string since browsers cannot set headers on
// websocket requests; admins see every driver, drivers only themselves.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	driver := monitor.DriverID(r.URL.Query().Get("driver"))
	if s.auth != nil {
		claims, err := s.auth.Verify(r.URL.Query().Get("token"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if claims.Role != RoleAdmin {
			driver = monitor.DriverID(claims.Subject)
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	newClient(s.hub, conn, driver).start()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return originAllowed(s.config.AllowedOrigins, origin)
}
