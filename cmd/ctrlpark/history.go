package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ctrlpark/ctrlpark/internal/config"
	"github.com/ctrlpark/ctrlpark/internal/history"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	historyFilter string
	historySlots  bool
)

var historyCmd = &cobra.Command{
	Use:   "history [PLATE]",
	Short: "Print reconciled visit history",
	Long: `Print visit sessions grouped by day. With a plate, only that vehicle's
sessions are shown together with today's totals.`,
	Example: `  ctrlpark -c config.yaml history --filter unregistered
  ctrlpark history ABC123
  ctrlpark history --slots`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyFilter, "filter", "all", "Registration filter: all, registered or unregistered")
	historyCmd.Flags().BoolVar(&historySlots, "slots", false, "Show slot occupancy records instead of visit sessions")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	filter, err := history.ParseFilter(historyFilter)
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Quiet logger for report mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	loc, err := time.LoadLocation(cfg.Lot.Timezone)
	if err != nil {
		return fmt.Errorf("failed to load lot timezone: %w", err)
	}
	svc := newHistoryService(store.Documents(), cfg, loc, logger)

	ctx := context.Background()
	out := cmd.OutOrStdout()

	switch {
	case historySlots:
		buckets, err := svc.SlotHistory(ctx, filter)
		if err != nil {
			return err
		}
		printSlotHistory(out, buckets, loc)
	case len(args) == 1:
		plate := strings.ToUpper(strings.TrimSpace(args[0]))
		now := time.Now()
		buckets, err := svc.ForPlate(ctx, plate, now)
		if err != nil {
			return err
		}
		stats, err := svc.Stats(ctx, plate, now)
		if err != nil {
			return err
		}
		printSessions(out, "VISIT HISTORY: "+plate, buckets, loc)
		printStats(out, stats)
	default:
		buckets, err := svc.All(ctx, filter)
		if err != nil {
			return err
		}
		printSessions(out, "VISIT HISTORY", buckets, loc)
	}

	return nil
}

var rule = strings.Repeat("━", 50)

func printHeader(w io.Writer, title string) {
	cyan := color.New(color.FgCyan, color.Bold)
	fmt.Fprintln(w)
	cyan.Fprintln(w, rule)
	cyan.Fprintln(w, title)
	cyan.Fprintln(w, rule)
}

func printSessions(w io.Writer, title string, buckets []history.DateBucket, loc *time.Location) {
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	printHeader(w, title)
	if len(buckets) == 0 {
		fmt.Fprintln(w, "\nNo sessions.")
		return
	}

	for _, b := range buckets {
		fmt.Fprintln(w)
		bold.Fprintf(w, "%s (%d)\n", b.Label, len(b.Items))
		for _, it := range b.Items {
			exit := "still inside"
			if it.ExitTime.Valid {
				exit = it.ExitTime.Time.In(loc).Format("15:04")
			}
			name := green.Sprint(it.DisplayName)
			if !it.Registered {
				name = yellow.Sprint(it.DisplayName)
			}
			fmt.Fprintf(w, "  %-10s %s  %s → %s  %s\n",
				it.Plate, name, it.EntryTime.In(loc).Format("15:04"), exit, strings.Join(it.Labels, ", "))

			var details []string
			if it.Location != "" {
				details = append(details, it.Location)
			}
			if it.SlotID.Valid {
				details = append(details, "slot "+it.SlotID.String)
			}
			if it.Duration != "" {
				details = append(details, it.Duration)
			}
			if len(details) > 0 {
				fmt.Fprintf(w, "             %s\n", strings.Join(details, " · "))
			}
		}
	}
	fmt.Fprintln(w)
}

func printStats(w io.Writer, stats history.DailyStats) {
	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	cyan.Fprintln(w, "Today")
	fmt.Fprintf(w, "  Entries:    %d\n", stats.Entries)
	fmt.Fprintf(w, "  Exits:      %d\n", stats.Exits)
	fmt.Fprintf(w, "  Time:       %s\n", stats.TotalTime)
	if stats.Violations > 0 {
		red.Fprintf(w, "  Violations: %d\n", stats.Violations)
	} else {
		fmt.Fprintf(w, "  Violations: 0\n")
	}
	fmt.Fprintln(w)
}

func printSlotHistory(w io.Writer, buckets []history.SlotBucket, loc *time.Location) {
	bold := color.New(color.Bold)
	red := color.New(color.FgRed)

	printHeader(w, "SLOT HISTORY")
	if len(buckets) == 0 {
		fmt.Fprintln(w, "\nNo slot records.")
		return
	}

	for _, b := range buckets {
		fmt.Fprintln(w)
		bold.Fprintf(w, "%s (%d)\n", b.Label, len(b.Records))
		for _, rec := range b.Records {
			who := "Unregistered"
			if rec.User != nil {
				who = rec.User.FullName
				if who == "" {
					who = rec.User.PlateNumber
				}
			}
			vacated := red.Sprint("occupied")
			if rec.VacateTime.Valid {
				vacated = rec.VacateTime.Time.In(loc).Format("15:04")
			}
			duration := ""
			if rec.DurationMinutes.Valid {
				duration = history.FormatDuration(float64(rec.DurationMinutes.Int64))
			}
			fmt.Fprintf(w, "  slot %-4s %s → %s  %-8s %s\n",
				rec.SlotNumber, rec.ParkedTime.In(loc).Format("15:04"), vacated, duration, who)
		}
	}
	fmt.Fprintln(w)
}
