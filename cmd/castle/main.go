// Command castle runs the CASTLE streaming (k,l)-anonymity clustering
// engine over an NDJSON record stream read from stdin (or a file given
// with --input), releasing anonymized records to the configured sink
// and serving a management API for runtime inspection.
//
// Usage:
//
//	castle --input records.ndjson
//	castle --k 10 --l 3 --sink websocket --websocket-addr :8090
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"castle-stream/internal/castle"
	"castle-stream/internal/config"
	"castle-stream/internal/history"
	"castle-stream/internal/logger"
	"castle-stream/internal/management"
	"castle-stream/internal/metrics"
	"castle-stream/internal/sink"
)

var inputPath string

func main() {
	cfg := config.Load()

	root := &cobra.Command{
		Use:   "castle",
		Short: "Stream records through the CASTLE (k,l)-anonymity clustering engine",
		RunE: func(_ *cobra.Command, _ []string) error {
			return run(cfg)
		},
	}

	root.Flags().IntVar(&cfg.K, "k", cfg.K, "minimum cluster size (k-anonymity)")
	root.Flags().IntVar(&cfg.L, "l", cfg.L, "minimum sensitive-value diversity (l-diversity)")
	root.Flags().IntVar(&cfg.Delta, "delta", cfg.Delta, "maximum release delay, in tuples")
	root.Flags().IntVar(&cfg.Beta, "beta", cfg.Beta, "forced-reuse ceiling on active cluster count")
	root.Flags().IntVar(&cfg.Mu, "mu", cfg.Mu, "recent-loss window size for adaptive tau")
	root.Flags().Float64Var(&cfg.Phi, "phi", cfg.Phi, "inverse-scale factor for Laplace noise")
	root.Flags().BoolVar(&cfg.DP, "dp", cfg.DP, "enable differential-privacy retention and perturbation")
	root.Flags().Float64Var(&cfg.BetaBig, "beta-big", cfg.BetaBig, "DP retention probability")
	root.Flags().StringSliceVar(&cfg.Headers, "headers", cfg.Headers, "quasi-identifier header names")
	root.Flags().StringVar(&cfg.SensitiveAttr, "sensitive-attr", cfg.SensitiveAttr, "sensitive attribute name")
	root.Flags().Int64Var(&cfg.Seed, "seed", cfg.Seed, "PRNG seed (0 = time-based)")
	root.Flags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	root.Flags().IntVar(&cfg.ManagementPort, "management-port", cfg.ManagementPort, "management API port")
	root.Flags().StringVar(&cfg.ManagementToken, "management-token", cfg.ManagementToken, "bearer token for the management API")
	root.Flags().BoolVar(&cfg.HistoryEnabled, "history", cfg.HistoryEnabled, "persist a write-only audit trail of released tuples")
	root.Flags().StringVar(&cfg.HistoryDBPath, "history-db", cfg.HistoryDBPath, "bbolt file path for the history audit store")
	root.Flags().StringVar(&cfg.SinkMode, "sink", cfg.SinkMode, "release sink: stdout, websocket, or postgres")
	root.Flags().StringVar(&cfg.WebSocketAddr, "websocket-addr", cfg.WebSocketAddr, "listen address for the websocket dashboard sink")
	root.Flags().StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "Postgres DSN for the postgres audit sink")
	root.Flags().StringVar(&inputPath, "input", "", "NDJSON input file (default: stdin)")

	if err := root.Execute(); err != nil {
		log.Fatalf("[CASTLE] Fatal: %v", err)
	}
}

func run(cfg *config.Config) error {
	printBanner(cfg)

	log := logger.New("ENGINE", cfg.LogLevel)
	m := metrics.New()

	var historyStore castle.HistoryStore
	if cfg.HistoryEnabled {
		store, err := history.Open(cfg.HistoryDBPath)
		if err != nil {
			return fmt.Errorf("open history store: %w", err)
		}
		defer store.Close() //nolint:errcheck
		historyStore = store
	}

	releaseSink, closeSink, err := buildSink(cfg, m)
	if err != nil {
		return fmt.Errorf("build sink: %w", err)
	}
	defer closeSink() //nolint:errcheck

	params := castle.DefaultParams()
	params.K, params.L, params.Delta = cfg.K, cfg.L, cfg.Delta
	params.Beta, params.Mu, params.Phi = cfg.Beta, cfg.Mu, cfg.Phi
	params.DP, params.BetaBig = cfg.DP, cfg.BetaBig

	opts := []castle.Option{castle.WithLogger(log), castle.WithMetrics(m)}
	if cfg.Seed != 0 {
		opts = append(opts, castle.WithSeed(cfg.Seed))
	}
	if historyStore != nil {
		opts = append(opts, castle.WithHistoryStore(historyStore))
	}

	engine, err := castle.NewEngine(releaseSink, cfg.Headers, cfg.SensitiveAttr, params, opts...)
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}

	mgmt := management.New(cfg, engine, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := mgmt.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("management server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return mgmt.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return streamRecords(gctx, engine, log)
	})

	return g.Wait()
}

// streamRecords decodes NDJSON lines from stdin (or --input) and calls
// Engine.Insert for each, serialized by the engine's own mutex. Reading
// stops on ctx cancellation, EOF, or a read error; lines that fail to
// decode and records the engine rejects are logged and skipped.
func streamRecords(ctx context.Context, engine *castle.Engine, log *logger.Logger) error {
	r := io.Reader(os.Stdin)
	if inputPath != "" {
		f, err := os.Open(inputPath) //nolint:gosec // G304: path is an operator-supplied CLI flag
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close() //nolint:errcheck
		r = f
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec castle.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Warnf("stream", "skipping malformed line: %v", err)
			continue
		}
		if err := engine.Insert(rec); err != nil {
			log.Warnf("stream", "insert rejected: %v", err)
		}
	}
	return scanner.Err()
}

func buildSink(cfg *config.Config, m *metrics.Metrics) (castle.Sink, func() error, error) {
	switch cfg.SinkMode {
	case "", "stdout":
		s := sink.NewStdout(os.Stdout)
		fan := sink.NewFanout(m, s)
		return fan.AsEngineSink(), fan.Close, nil
	case "websocket":
		hub := sink.NewWebSocket()
		go func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/dashboard", hub.Subscribe)
			log.Printf("[SINK] websocket dashboard listening on %s", cfg.WebSocketAddr)
			if err := http.ListenAndServe(cfg.WebSocketAddr, mux); err != nil { //nolint:gosec // local dashboard listener, not internet-facing
				log.Printf("[SINK] websocket listener stopped: %v", err)
			}
		}()
		fan := sink.NewFanout(m, hub)
		return fan.AsEngineSink(), fan.Close, nil
	case "postgres":
		pg, err := sink.ConnectPostgres(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.InitSchema(context.Background()); err != nil {
			return nil, nil, err
		}
		fan := sink.NewFanout(m, pg)
		return fan.AsEngineSink(), fan.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown sink mode %q", cfg.SinkMode)
	}
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          CASTLE Streaming Anonymization Engine       ║
╚══════════════════════════════════════════════════════╝
  k               : %d
  l               : %d
  delta           : %d
  beta            : %d
  sink            : %s
  management port : %d

  Check status:
    curl http://localhost:%d/status
`, cfg.K, cfg.L, cfg.Delta, cfg.Beta, cfg.SinkMode, cfg.ManagementPort, cfg.ManagementPort)
}
