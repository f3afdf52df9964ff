// Command mslt runs a stratified multi-state lifetable model from a YAML
// specification and writes per-year cohort tables and a run summary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"mslt/internal/blob"
	"mslt/internal/config"
	"mslt/internal/core"
	"mslt/internal/modelspec"
	"mslt/internal/platform/otel"
	"mslt/internal/results"
)

const serviceName = "mslt"

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

type options struct {
	specPath string
	years    int
	runID    string
	spanFile string
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet(serviceName, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var opts options
	fs.StringVar(&opts.specPath, "spec", "", "path to the model specification (YAML)")
	fs.IntVar(&opts.years, "years", 0, "number of annual steps (default: from the model file, or until the youngest cohort reaches max age)")
	fs.StringVar(&opts.runID, "run-id", "", "identifier for result blobs (default: random)")
	fs.StringVar(&opts.spanFile, "span-log", "", "write engine spans as JSON lines to this file instead of OpenTelemetry")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if opts.specPath == "" {
		_, _ = fmt.Fprintln(stderr, "missing -spec")
		fs.Usage()
		return 2
	}
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	logger := cfg.NewLogger(stderr)
	if err := run(ctx, cfg, opts, logger, stdout); err != nil {
		logger.Error("run failed", "error", err)
		return 1
	}
	return 0
}

// slogAudit writes audit entries to the process logger.
type slogAudit struct {
	logger *slog.Logger
}

func (a slogAudit) Record(ctx context.Context, entry core.AuditEntry) {
	level := slog.LevelDebug
	if entry.Status == core.AuditStatusError {
		level = slog.LevelWarn
	}
	a.logger.Log(ctx, level, "audit",
		"operation", entry.Operation,
		"scenario", entry.Scenario.String(),
		"year", entry.Year,
		"status", string(entry.Status),
		"duration", entry.Duration,
		"error", entry.Error)
}

func run(ctx context.Context, cfg config.Config, opts options, logger *slog.Logger, stdout io.Writer) (err error) {
	shutdown, err := otel.Setup(ctx, serviceName, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if serr := shutdown(context.Background()); serr != nil {
			logger.Warn("telemetry shutdown", "error", serr)
		}
	}()

	spec, err := modelspec.LoadFile(opts.specPath)
	if err != nil {
		return err
	}
	rates, err := spec.BuildRates()
	if err != nil {
		return err
	}
	engineCfg := spec.EngineConfig(cfg.MaxAge)
	engineCfg.ParallelTracks = engineCfg.ParallelTracks || cfg.ParallelTracks
	years := opts.years
	if years <= 0 {
		years = spec.YearsFor(engineCfg.MaxAge)
	}

	store, err := core.OpenPopulationStore(ctx, cfg.Storage, core.NewDefaultRulesEngine())
	if err != nil {
		return fmt.Errorf("open population store: %w", err)
	}
	if closer, ok := store.(io.Closer); ok {
		defer func() { err = errors.Join(err, closer.Close()) }()
	}
	blobs, err := blob.Open(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	var tracer core.Tracer = core.NewOTelTracer(nil)
	if opts.spanFile != "" {
		f, ferr := os.Create(opts.spanFile)
		if ferr != nil {
			return fmt.Errorf("span log: %w", ferr)
		}
		defer func() { err = errors.Join(err, f.Close()) }()
		tracer = core.NewSpanLog(f, nil)
	}

	recorder := results.NewRecorder(blobs, opts.runID)
	metrics := core.NewPrometheusMetricsRecorder(nil)
	engine, err := core.NewEngine(store, rates, engineCfg,
		core.WithLogger(logger),
		core.WithMetricsRecorder(metrics),
		core.WithTracer(tracer),
		core.WithAuditRecorder(slogAudit{logger: logger}),
		core.WithObserver(recorder),
	)
	if err != nil {
		return err
	}
	logger.Info("run starting",
		"model", spec.Name,
		"run_id", recorder.RunID(),
		"start_year", engineCfg.StartYear,
		"years", years,
		"storage", cfg.Storage.Driver,
		"blob", string(blobs.Driver()))

	if err := engine.Initialize(ctx, spec.Inputs()); err != nil {
		return err
	}
	summaries, runErr := engine.Run(ctx, years)
	if len(recorder.Summaries()) > 0 {
		key, err := recorder.WriteSummary(ctx)
		if err != nil {
			return errors.Join(runErr, err)
		}
		logger.Info("summary written", "key", key)
	}
	if cfg.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(cfg.MetricsTextfile); err != nil {
			return errors.Join(runErr, fmt.Errorf("write metrics textfile: %w", err))
		}
	}
	if runErr != nil {
		return runErr
	}
	return printSummary(stdout, recorder.RunID(), summaries)
}

func printSummary(w io.Writer, runID string, summaries []core.YearSummary) error {
	p := message.NewPrinter(language.English)
	if _, err := p.Fprintf(w, "run %s: %d years\n", runID, len(summaries)); err != nil {
		return err
	}
	if _, err := p.Fprintf(w, "%-6s %14s %14s %12s %12s\n", "year", "population", "bau_population", "HALY", "delta_HALY"); err != nil {
		return err
	}
	var cumulative float64
	for _, s := range summaries {
		cumulative += s.Delta.HALY
		// Years are printed as plain strings so the printer does not group them.
		if _, err := p.Fprintf(w, "%-6s %14.1f %14.1f %12.1f %12.2f\n",
			strconv.Itoa(s.Year), s.Intervention.Population, s.BAU.Population, s.Intervention.HALY, s.Delta.HALY); err != nil {
			return err
		}
	}
	_, err := p.Fprintf(w, "HALYs gained: %.2f\n", cumulative)
	return err
}
