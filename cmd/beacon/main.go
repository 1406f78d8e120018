// Beacon - replays page sessions against a visit collector
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/coder/quartz"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/pflag"

	"github.com/ashureev/visitbeacon/internal/agent"
	"github.com/ashureev/visitbeacon/internal/config"
	"github.com/ashureev/visitbeacon/internal/metrics"
	"github.com/ashureev/visitbeacon/internal/scenario"
	"github.com/ashureev/visitbeacon/internal/store"
	"github.com/ashureev/visitbeacon/scenarios"
)

const usage = `Usage:
  beacon run <scenario.yaml | builtin:NAME> [flags]
  beacon list

Flags:
`

type flags struct {
	cachePath    string
	cacheMaxAge  time.Duration
	probeTimeout time.Duration
	sendTimeout  time.Duration
	api          string
	logLevel     string
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		slog.Error("beacon failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var f flags
	fs := pflag.NewFlagSet("beacon", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&f.cachePath, "cache", cfg.CachePath, "SQLite file remembering ping validators across runs (empty: in memory)")
	fs.DurationVar(&f.cacheMaxAge, "cache-max-age", 24*time.Hour, "forget validators older than this before the run (0: keep all)")
	fs.DurationVar(&f.probeTimeout, "probe-timeout", cfg.ProbeTimeout, "upper bound on a single uniqueness probe")
	fs.DurationVar(&f.sendTimeout, "send-timeout", cfg.SendTimeout, "upper bound on a single hit")
	fs.StringVar(&f.api, "api", "", "collector host, overriding the scenario's script tag (sets data-api)")
	fs.StringVar(&f.logLevel, "log-level", cfg.LogLevel.String(), "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(f.logLevel)); err != nil {
		return fmt.Errorf("--log-level: %w", err)
	}
	slog.SetDefault(newLogger(stderr, level, cfg.LogJSON))

	switch fs.Arg(0) {
	case "list":
		for _, name := range scenarios.Names() {
			fmt.Fprintln(stdout, name)
		}
		return nil
	case "run":
		if fs.NArg() != 2 {
			fs.Usage()
			return errors.New("run needs exactly one scenario")
		}
		return replay(ctx, cfg, f, fs.Arg(1), stdout)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", fs.Arg(0))
	}
}

func newLogger(w io.Writer, level slog.Level, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func loadScenario(ref string) (*scenario.Scenario, error) {
	if name, ok := strings.CutPrefix(ref, "builtin:"); ok {
		data, err := scenarios.Read(name)
		if err != nil {
			return nil, err
		}
		return scenario.Parse(data)
	}
	return scenario.Load(ref)
}

func openCache(ctx context.Context, path string, maxAge time.Duration) (store.Cache, error) {
	if path == "" {
		return store.NewMemory(), nil
	}

	db, err := store.NewSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache health check: %w", err)
	}
	if maxAge > 0 {
		purged, err := db.Purge(ctx, time.Now().Add(-maxAge))
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		slog.Info("Validator cache ready", "path", path, "purged", purged)
	}
	return db, nil
}

func replay(ctx context.Context, cfg *config.Config, f flags, ref string, stdout io.Writer) error {
	sc, err := loadScenario(ref)
	if err != nil {
		return err
	}
	if sc.Timezone == "" {
		sc.Timezone = cfg.Timezone
	}
	if f.api != "" {
		if sc.Script.Attrs == nil {
			sc.Script.Attrs = map[string]string{}
		}
		sc.Script.Attrs[config.AttrAPI] = f.api
	}

	p, err := sc.NewPage()
	if err != nil {
		return fmt.Errorf("build page: %w", err)
	}

	cache, err := openCache(ctx, f.cachePath, f.cacheMaxAge)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := cache.Close(); closeErr != nil {
			slog.Error("Failed to close validator cache", "error", closeErr)
		}
	}()

	reg := prometheus.NewRegistry()
	clock := quartz.NewReal()

	a, err := agent.Attach(ctx, p,
		agent.WithCache(cache),
		agent.WithClock(clock),
		agent.WithMetrics(metrics.New(reg)),
		agent.WithProbeTimeout(f.probeTimeout),
		agent.WithSendTimeout(f.sendTimeout),
		agent.WithQueueSize(cfg.QueueSize),
	)
	if err != nil {
		return fmt.Errorf("attach beacon: %w", err)
	}

	slog.Info("Replaying scenario", "name", sc.Name, "url", sc.URL, "steps", len(sc.Steps), "mode", a.Mode().String())
	runErr := sc.Run(ctx, p, clock)

	// Pending hits get their own deadline even after an interrupt.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), f.probeTimeout+f.sendTimeout)
	defer cancel()

	if err := a.Flush(shutdownCtx); err != nil {
		slog.Warn("Not every payload was delivered before the deadline", "error", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		slog.Warn("Beacon did not shut down cleanly", "error", err)
	}

	st := a.Snapshot()
	slog.Info("Scenario finished",
		"beacon_id", st.BeaconID,
		"phase", string(st.Phase),
		"visits", st.Visits,
		"unload_sent", st.UnloadSent,
	)

	if err := printSummary(stdout, reg); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("run scenario: %w", runErr)
	}
	return nil
}

// printSummary writes every non-zero counter of reg as a table.
func printSummary(w io.Writer, reg prometheus.Gatherer) error {
	families, err := reg.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "METRIC\tLABELS\tVALUE")
	for _, row := range counterRows(families) {
		fmt.Fprintln(tw, row)
	}
	return tw.Flush()
}

func counterRows(families []*dto.MetricFamily) []string {
	var rows []string
	for _, mf := range families {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		for _, m := range mf.GetMetric() {
			v := m.GetCounter().GetValue()
			if v == 0 {
				continue
			}
			labels := make([]string, 0, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			rows = append(rows, fmt.Sprintf("%s\t%s\t%g", mf.GetName(), strings.Join(labels, ","), v))
		}
	}
	return rows
}
