package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Reconciliation metrics
	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctrlpark_events_dropped_total",
			Help: "Log records dropped because they could not be normalized",
		},
		[]string{"kind"},
	)

	SessionsMerged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ctrlpark_sessions_merged_total",
			Help: "Visit sessions produced by reconciliation passes",
		},
	)

	// Slot state machine metrics
	SlotTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctrlpark_slot_transitions_total",
			Help: "Slot occupancy state transitions",
		},
		[]string{"from", "to"},
	)

	StoreWriteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctrlpark_store_write_failures_total",
			Help: "State machine store writes that failed and were not retried",
		},
		[]string{"op"},
	)

	Timers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctrlpark_timers_total",
			Help: "Auto-confirm and auto-vacate timers by outcome",
		},
		[]string{"purpose", "outcome"},
	)

	TimerStaleFires = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ctrlpark_timer_stale_fires_total",
			Help: "Timers that fired after their condition had reversed",
		},
		[]string{"purpose"},
	)

	ActiveDrivers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctrlpark_active_drivers",
			Help: "Drivers with a live state machine",
		},
	)

	// API metrics
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ctrlpark_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)

	WebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ctrlpark_websocket_clients",
			Help: "Connected slot feed clients",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsDropped,
		SessionsMerged,
		SlotTransitions,
		StoreWriteFailures,
		Timers,
		TimerStaleFires,
		ActiveDrivers,
		RequestDuration,
		WebSocketClients,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // set when the socket comes from systemd
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
