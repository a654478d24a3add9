package main

import (
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/ctrlpark/ctrlpark/internal/config"
	"github.com/ctrlpark/ctrlpark/internal/monitor"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var validateDump bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the Ctrl+Park configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	out := cmd.OutOrStdout()

	unknownKeys, err := config.UnknownKeys(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	fmt.Fprintf(out, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(out)
		red.Fprintf(out, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			red.Fprintf(out, "   - %s\n", key)
		}
		fmt.Fprintln(out, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	// Report the suggestion a driver gets at the gate on an empty lot.
	layout := buildLayout(cfg.Lot)
	states := make(map[string]monitor.SlotState, len(layout.Slots))
	for _, s := range layout.Slots {
		states[s.ID] = monitor.SlotState{SlotID: s.ID, State: monitor.StateAvailable}
	}
	if id, d, ok := monitor.Nearest(layout.Gate, layout, states); ok {
		fmt.Fprintf(out, "Lot %q: %d slots, nearest to the gate is %s (%.1f m)\n", layout.Name, len(layout.Slots), id, d)
	}

	if validateDump {
		fmt.Fprintln(out, "\n"+strings.Repeat("=", 80))
		fmt.Fprintln(out, "FULL CONFIGURATION (values different from defaults are highlighted)")
		fmt.Fprintln(out, strings.Repeat("=", 80))

		dumpConfig(out, cfg, config.Defaults())
	}

	return nil
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(w io.Writer, cfg, def *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	field := func(name string, value, defaultValue any) {
		dumpField(w, name, value, defaultValue, yellow, green)
	}

	cyan.Fprintln(w, "\n[server]")
	field("  bind_address", cfg.Server.BindAddress, def.Server.BindAddress)
	field("  http_port", cfg.Server.HTTPPort, def.Server.HTTPPort)
	field("  metrics_port", cfg.Server.MetricsPort, def.Server.MetricsPort)

	cyan.Fprintln(w, "\n[storage]")
	field("  type", cfg.Storage.Type, def.Storage.Type)
	field("  path", cfg.Storage.Path, def.Storage.Path)
	cyan.Fprintln(w, "  [storage.redis]")
	field("    host", cfg.Storage.Redis.Host, def.Storage.Redis.Host)
	field("    port", cfg.Storage.Redis.Port, def.Storage.Redis.Port)
	field("    password", redact(cfg.Storage.Redis.Password), redact(def.Storage.Redis.Password))
	field("    db", cfg.Storage.Redis.DB, def.Storage.Redis.DB)
	field("    pool_size", cfg.Storage.Redis.PoolSize, def.Storage.Redis.PoolSize)
	field("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, def.Storage.Redis.MinIdleConns)
	field("    dial_timeout", cfg.Storage.Redis.DialTimeout, def.Storage.Redis.DialTimeout)
	field("    read_timeout", cfg.Storage.Redis.ReadTimeout, def.Storage.Redis.ReadTimeout)
	field("    write_timeout", cfg.Storage.Redis.WriteTimeout, def.Storage.Redis.WriteTimeout)

	cyan.Fprintln(w, "\n[logging]")
	field("  level", cfg.Logging.Level, def.Logging.Level)
	field("  format", cfg.Logging.Format, def.Logging.Format)

	cyan.Fprintln(w, "\n[lot]")
	field("  name", cfg.Lot.Name, def.Lot.Name)
	field("  timezone", cfg.Lot.Timezone, def.Lot.Timezone)
	field("  gate_location", cfg.Lot.GateLocation, def.Lot.GateLocation)
	field("  gate", cfg.Lot.Gate, def.Lot.Gate)
	field("  slots", cfg.Lot.Slots, def.Lot.Slots)

	cyan.Fprintln(w, "\n[monitor]")
	field("  confirm_radius_m", cfg.Monitor.ConfirmRadius, def.Monitor.ConfirmRadius)
	field("  vacate_radius_m", cfg.Monitor.VacateRadius, def.Monitor.VacateRadius)
	field("  confirm_delay", cfg.Monitor.ConfirmDelay, def.Monitor.ConfirmDelay)
	field("  vacate_delay", cfg.Monitor.VacateDelay, def.Monitor.VacateDelay)
	field("  driver_idle_ttl", cfg.Monitor.DriverIdleTTL, def.Monitor.DriverIdleTTL)
	field("  max_drivers", cfg.Monitor.MaxDrivers, def.Monitor.MaxDrivers)
	field("  store_timeout", cfg.Monitor.StoreTimeout, def.Monitor.StoreTimeout)
	field("  notifications", cfg.Monitor.Notifications, def.Monitor.Notifications)
	field("  refresh_interval", cfg.Monitor.RefreshInterval, def.Monitor.RefreshInterval)
	field("  breaker.max_failures", cfg.Monitor.Breaker.MaxFailures, def.Monitor.Breaker.MaxFailures)
	field("  breaker.open_timeout", cfg.Monitor.Breaker.OpenTimeout, def.Monitor.Breaker.OpenTimeout)

	cyan.Fprintln(w, "\n[history]")
	field("  pair_window", cfg.History.PairWindow, def.History.PairWindow)
	field("  recent_window", cfg.History.RecentWindow, def.History.RecentWindow)
	field("  recent_limit", cfg.History.RecentLimit, def.History.RecentLimit)
	field("  roundabout_location", cfg.History.RoundaboutLabel, def.History.RoundaboutLabel)
	field("  parked_location", cfg.History.ParkedLabel, def.History.ParkedLabel)

	cyan.Fprintln(w, "\n[api]")
	field("  jwt_secret", redact(cfg.API.JWTSecret), redact(def.API.JWTSecret))
	field("  allowed_origins", cfg.API.AllowedOrigins, def.API.AllowedOrigins)
	field("  token_ttl", cfg.API.TokenTTL, def.API.TokenTTL)
	field("  operators", len(cfg.API.Operators), len(def.API.Operators))
	field("  position_rate", cfg.API.PositionRate, def.API.PositionRate)
	field("  login_rate", cfg.API.LoginRate, def.API.LoginRate)

	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(w io.Writer, name string, value, defaultValue any, modifiedColor, defaultColor *color.Color) {
	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Fprintf(w, "%s = %v\n", name, value)
		return
	}
	_, _ = modifiedColor.Fprintf(w, "%s = %v  (modified from default: %v)\n", name, value, defaultValue)
}

// redact hides secrets if not empty
func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
