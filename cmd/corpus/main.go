// Command corpus builds a labeled training corpus from the configured event
// store and writes it as CSV.
//
// Usage:
//
//	go run ./cmd/corpus -from 2024-01-01T00:00:00Z -to 2024-02-01T00:00:00Z -out corpus.csv
//	go run ./cmd/corpus -versioned            # also upsert rows into the corpus store
//
// Without -from/-to the build covers the 30 days before the newest
// transaction in the store. Store selection follows the server's
// environment (DATABASE_URL, CLICKHOUSE_ADDR, REDIS_URL, CORPUS_DATABASE_URL).
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
	"syscall"
	"time"

	"github.com/ncrp/atmrisk/internal/config"
	"github.com/ncrp/atmrisk/internal/contract"
	"github.com/ncrp/atmrisk/internal/corpus"
	"github.com/ncrp/atmrisk/internal/events"
	"github.com/ncrp/atmrisk/internal/features"
	"github.com/ncrp/atmrisk/internal/logging"
	"github.com/ncrp/atmrisk/internal/server"
)

type options struct {
	from, to    string
	cadence     time.Duration
	lookback    time.Duration
	horizon     time.Duration
	parallelism int
	strategy    string
	out         string
	versioned   bool
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var opts options
	fs := flag.NewFlagSet("corpus", flag.ExitOnError)
	fs.StringVar(&opts.from, "from", "", "first snapshot range start, RFC 3339")
	fs.StringVar(&opts.to, "to", "", "snapshot range end (inclusive), RFC 3339")
	fs.DurationVar(&opts.cadence, "cadence", cfg.Cadence, "time between snapshots")
	fs.DurationVar(&opts.lookback, "lookback", cfg.Lookback, "feature window before each snapshot")
	fs.DurationVar(&opts.horizon, "horizon", cfg.Horizon, "label window after each snapshot")
	fs.IntVar(&opts.parallelism, "parallelism", cfg.BuildParallelism, "devices built concurrently")
	fs.StringVar(&opts.strategy, "strategy", "sliding", "feature computation: sliding or rescan")
	fs.StringVar(&opts.out, "out", "-", "CSV output file, - for stdout")
	fs.BoolVar(&opts.versioned, "versioned", false, "also upsert rows into the corpus store")
	_ = fs.Parse(os.Args[1:])

	// Logs go to stderr so CSV on stdout stays clean.
	logger := logging.NewWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Error("corpus build failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *slog.Logger) error {
	stores, err := server.OpenStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	params, err := buildParams(ctx, opts, stores.Events)
	if err != nil {
		return err
	}

	out, closeOut, err := openOutput(opts.out)
	if err != nil {
		return err
	}
	defer closeOut()

	c := contract.V1()
	var sink corpus.Sink = corpus.NewCSVSink(out, c)
	if opts.versioned {
		sink = corpus.MultiSink{sink, corpus.NewStoreSink(stores.Corpus)}
	}

	builder := corpus.NewBuilder(stores.Events, c, corpus.WithLogger(logger))
	build, err := builder.Build(ctx, params, sink)
	if build != nil {
		logger.Info("corpus written",
			"build_id", build.ID,
			"status", build.Status,
			"from", build.Params.From,
			"to", build.Params.To,
			"devices", build.DevicesDone,
			"rows", build.Rows,
			"positives", build.Positives,
			"changed", build.RowsChanged,
		)
	}
	return err
}

func buildParams(ctx context.Context, opts options, store events.Store) (corpus.Params, error) {
	strategy, err := features.ParseStrategy(opts.strategy)
	if err != nil {
		return corpus.Params{}, err
	}
	p := corpus.Params{
		Cadence:     opts.cadence,
		Lookback:    opts.lookback,
		Horizon:     opts.horizon,
		Strategy:    strategy,
		Parallelism: opts.parallelism,
	}

	if opts.to != "" {
		if p.To, err = time.Parse(time.RFC3339Nano, opts.to); err != nil {
			return p, fmt.Errorf("-to: %w", err)
		}
	} else {
		p.To, err = newest(ctx, store)
		if err != nil {
			return p, err
		}
	}

	p.From = p.To.Add(-corpus.DefaultSpan)
	if opts.from != "" {
		if p.From, err = time.Parse(time.RFC3339Nano, opts.from); err != nil {
			return p, fmt.Errorf("-from: %w", err)
		}
	}
	p = p.WithDefaults()
	return p, p.Validate()
}

// newest anchors a trailing build on the first stored snapshot time after
// the store's last transaction, so that transaction stays in the lookback.
func newest(ctx context.Context, store events.Store) (time.Time, error) {
	nf, ok := store.(events.NewestFinder)
	if !ok {
		return time.Now().UTC(), nil
	}
	t, found, err := nf.Newest(ctx)
	if err != nil {
		return time.Time{}, fmt.Errorf("find newest transaction: %w", err)
	}
	if !found {
		return time.Time{}, errors.New("event store has no transactions; pass -from and -to")
	}
	return t.Truncate(corpus.Precision).Add(corpus.Precision).UTC(), nil
}

func openOutput(path string) (io.Writer, func(), error) {
	if path == "" || path == "-" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path) // #nosec G304 -- operator-supplied output path
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}
