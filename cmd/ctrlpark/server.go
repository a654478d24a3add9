package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/api"
	"github.com/ctrlpark/ctrlpark/internal/config"
	"github.com/ctrlpark/ctrlpark/internal/geo"
	"github.com/ctrlpark/ctrlpark/internal/history"
	"github.com/ctrlpark/ctrlpark/internal/metrics"
	"github.com/ctrlpark/ctrlpark/internal/monitor"
	"github.com/ctrlpark/ctrlpark/internal/storage"
	"github.com/ctrlpark/ctrlpark/internal/storage/bolt"
	"github.com/ctrlpark/ctrlpark/internal/storage/redis"
	"github.com/ctrlpark/ctrlpark/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start Ctrl+Park server",
	Long:  `Start the Ctrl+Park API server, the live slot feed and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting Ctrl+Park")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	docs := store.Documents()
	loc, err := time.LoadLocation(cfg.Lot.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load lot timezone: %w", err)
	}

	historyService := newHistoryService(docs, cfg, loc, logger)

	// Slot monitor
	writer := monitor.NewWriter(docs, monitor.WriterOptions{
		Timeout:     parseDuration(cfg.Monitor.StoreTimeout, 5*time.Second),
		MaxFailures: cfg.Monitor.Breaker.MaxFailures,
		OpenTimeout: parseDuration(cfg.Monitor.Breaker.OpenTimeout, 30*time.Second),
	}, logger)

	hub := api.NewHub(logger)
	publishers := monitor.Publishers{hub}
	if cfg.Monitor.Notifications {
		notifier := monitor.NewNotifier(writer, logger)
		defer notifier.Close()
		publishers = append(publishers, notifier)
	}

	layout := buildLayout(cfg.Lot)
	registry := monitor.NewRegistry(monitor.RegistryOptions{
		Machine: monitor.Options{
			Layout: layout,
			Thresholds: monitor.Thresholds{
				ConfirmRadius: cfg.Monitor.ConfirmRadius,
				VacateRadius:  cfg.Monitor.VacateRadius,
			},
			ConfirmDelay: parseDuration(cfg.Monitor.ConfirmDelay, 5*time.Second),
			VacateDelay:  parseDuration(cfg.Monitor.VacateDelay, 5*time.Second),
			GateLabel:    cfg.Lot.GateLocation,
			Clock:        monitor.RealClock{},
			Writer:       writer,
			Publisher:    publishers,
		},
		MaxDrivers: cfg.Monitor.MaxDrivers,
		IdleTTL:    parseDuration(cfg.Monitor.DriverIdleTTL, 30*time.Minute),
	}, logger)
	defer registry.Close()

	logger.Info().
		Str("lot", layout.Name).
		Int("slots", len(layout.Slots)).
		Float64("confirm_radius_m", cfg.Monitor.ConfirmRadius).
		Float64("vacate_radius_m", cfg.Monitor.VacateRadius).
		Msg("Slot monitor initialized")

	// API server
	apiServer := api.NewServer(api.Config{
		ListenAddr:     fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort),
		JWTSecret:      cfg.API.JWTSecret,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Layout:         layout,
		Clock:          monitor.RealClock{},
		Operators:      operators(cfg.API.Operators),
		TokenTTL:       parseDuration(cfg.API.TokenTTL, api.DefaultTokenTTL),
		PositionRate:   cfg.API.PositionRate,
		LoginRate:      cfg.API.LoginRate,
	}, historyService, registry, docs, hub, logger)

	if sdListeners.Activated && sdListeners.HTTP != nil {
		apiServer.SetListener(sdListeners.HTTP)
	}
	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Metrics server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, logger)
	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}
	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start Metrics Server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go refreshLoop(ctx, registry, parseDuration(cfg.Monitor.RefreshInterval, 30*time.Second), logger)
	go watchdogLoop(ctx, logger)

	logger.Info().Msg("Ctrl+Park startup complete")
	logger.Info().Msgf("API: http://%s:%d/api", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Server.BindAddress, cfg.Server.MetricsPort)

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			logger.Info().Msg("SIGHUP received, refreshing slot statuses")
			registry.RefreshAll(ctx)
			continue
		}
		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	cancel()

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping Metrics Server")
	}

	logger.Info().Msg("Ctrl+Park stopped")

	return nil
}

// refreshLoop keeps live machines in step with writes made by other
// processes.
func refreshLoop(ctx context.Context, registry *monitor.Registry, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.RefreshAll(ctx)
			logger.Debug().Int("drivers", registry.Len()).Msg("Refreshed slot statuses")
		}
	}
}

func watchdogLoop(ctx context.Context, logger zerolog.Logger) {
	interval := systemd.WatchdogInterval()
	if interval == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		}
	}
}

func newHistoryService(docs storage.DocumentStore, cfg *config.Config, loc *time.Location, logger zerolog.Logger) *history.Service {
	return history.NewService(docs, history.ServiceOptions{
		Location: loc,
		Normalizer: history.NormalizerOptions{
			GateLocation:       cfg.Lot.GateLocation,
			RoundaboutLocation: cfg.History.RoundaboutLabel,
			ParkedLocation:     cfg.History.ParkedLabel,
		},
		PairWindow:   parseDuration(cfg.History.PairWindow, 0),
		RecentWindow: parseDuration(cfg.History.RecentWindow, 4*time.Hour),
		RecentLimit:  cfg.History.RecentLimit,
	}, logger)
}

// buildLayout converts the configured lot into a monitor layout, keeping
// slot order.
func buildLayout(cfg config.LotConfig) monitor.Layout {
	layout := monitor.Layout{
		Name:  cfg.Name,
		Gate:  geo.Point{Lat: cfg.Gate.Lat, Lon: cfg.Gate.Lon},
		Slots: make([]monitor.Slot, 0, len(cfg.Slots)),
	}
	for _, s := range cfg.Slots {
		layout.Slots = append(layout.Slots, monitor.Slot{
			ID:       s.ID,
			Location: geo.Point{Lat: s.Lat, Lon: s.Lon},
		})
	}
	return layout
}

func operators(cfg []config.OperatorConfig) map[string]string {
	out := make(map[string]string, len(cfg))
	for _, op := range cfg {
		out[op.Username] = op.PasswordHash
	}
	return out
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "redis":
		return redis.Open(cfg.Redis)
	case "bolt":
		return bolt.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
