// Package hydrant is the public API for embedding the Hydrant ingestion
// pipeline: construct with New, drive input with Run, tear down with
// Shutdown.
//
// The import graph enforces a strict no-cycle rule: hydrant (root) imports
// internal/*, but internal/* never imports hydrant (root).
package hydrant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync/atomic"

	"github.com/joho/godotenv"

	"github.com/hydrant-io/hydrant/internal/batch"
	"github.com/hydrant-io/hydrant/internal/bulkcopy"
	"github.com/hydrant-io/hydrant/internal/config"
	"github.com/hydrant-io/hydrant/internal/logging"
	"github.com/hydrant-io/hydrant/internal/pool"
	"github.com/hydrant-io/hydrant/internal/stats"
	"github.com/hydrant-io/hydrant/internal/telemetry"
	"github.com/hydrant-io/hydrant/internal/worker"
)

const defaultStatusAddr = "127.0.0.1:0"

// App is the Hydrant pipeline lifecycle. Construct with New, drive input
// with Run, and release resources with Shutdown. App has no public fields —
// use New's options to configure it.
type App struct {
	cfg          config.Config
	logger       *slog.Logger
	pool         *pool.Pool
	stats        *stats.Stats
	acc          *batch.Accumulator
	driver       *bulkcopy.Driver
	workers      *worker.Supervisor
	shutdown     *atomic.Bool
	otelShutdown telemetry.Shutdown
	statusSrv    *http.Server
	statusLn     net.Listener
}

// New runs Hydrant's init sequence (spec §4.7): load config, clamp batch
// capacity, open the pool and prepare the bulk-copy statement on every slot,
// allocate the batch buffer and stats ring, and spawn the background
// workers. It does not read any input — call Run for that.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = logging.Default()
	}

	_ = godotenv.Load()

	cfg, err := config.Load(o.configPath, logger)
	if err != nil {
		return nil, fmt.Errorf("hydrant: load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.logger == nil {
		// Rebuild at the configured level now that config has loaded;
		// the bootstrap logger above only needed to exist for Load's
		// clamp-warning call.
		logger = logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel), "main")
	}

	version := o.version
	if version == "" {
		version = "dev"
	}
	logger.Info("hydrant starting", "version", version, "pool_size", cfg.PoolSize)

	shutdown := &atomic.Bool{}
	st := stats.New(cfg.StatsRingSize)

	ctx := context.Background()

	p, err := pool.New(ctx, pool.Options{
		DSN:                    cfg.DatabaseURL,
		Size:                   cfg.PoolSize,
		RequireSecureTransport: cfg.RequireSecureTransport,
		Logger:                 logger,
		Stats:                  st,
		Shutdown:               shutdown,
	})
	if err != nil {
		return nil, fmt.Errorf("hydrant: open pool: %w", err)
	}

	otelShutdown, err := telemetry.Init(ctx, cfg.TelemetryEndpoint, cfg.ServiceName, version, cfg.TelemetryInsecure)
	if err != nil {
		p.Close(ctx)
		return nil, fmt.Errorf("hydrant: telemetry: %w", err)
	}

	driver := bulkcopy.New(p, st, logger, cfg.ChunkSize, 0)
	acc := batch.New(driver, logger, cfg.BatchCapacity)

	if cfg.TelemetryEndpoint != "" {
		if err := telemetry.RegisterPipelineGauges("hydrant", p, st, func() int64 { return int64(acc.Len()) }); err != nil {
			logger.Warn("hydrant: telemetry gauge registration failed", "error", err)
		}
	}

	statusAddr := o.statusAddr
	if statusAddr == "" {
		statusAddr = defaultStatusAddr
	}

	app := &App{
		cfg:          cfg,
		logger:       logger,
		pool:         p,
		stats:        st,
		acc:          acc,
		driver:       driver,
		shutdown:     shutdown,
		otelShutdown: otelShutdown,
	}

	app.workers = worker.New(p, st, logger, shutdown)
	app.workers.Start(0)

	if err := app.startStatusServer(statusAddr); err != nil {
		app.workers.Stop()
		p.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("hydrant: status server: %w", err)
	}

	return app, nil
}

func (a *App) startStatusServer(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", a.handleStatus)
	srv := &http.Server{Handler: mux}

	a.statusLn = ln
	a.statusSrv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("hydrant: status server error", "error", err)
		}
	}()

	a.logger.Info("hydrant: status endpoint listening", "addr", ln.Addr().String())
	return nil
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.GetDetailedStatus())
}

// GetDetailedStatus renders the status snapshot (spec §4.7, §6) under the
// stats lock, reading pool counts while that lock is held (stats_mutex →
// pool_mutex nesting order, spec §5).
func (a *App) GetDetailedStatus() stats.Snapshot {
	return a.stats.Snapshot(a.acc.Len(), a.pool.Counts)
}

// RequestShutdown sets the shutdown flag observed by Run's input loop and
// by every worker, without joining or tearing anything down. Safe to call
// from a signal handler; follow it with Shutdown once Run returns.
func (a *App) RequestShutdown() {
	a.shutdown.Store(true)
}

// Run implements process_input (spec §4.7): read from src in chunks sized
// to the batch capacity, appending each chunk to the accumulator. On an
// append failure it flushes and retries the append once; if the retry also
// fails, it logs and stops reading. It honors the shutdown flag between
// iterations and flushes any non-empty buffer at end of input.
func (a *App) Run(ctx context.Context, src io.Reader) error {
	chunkSize := a.cfg.BatchCapacity
	chunk := make([]byte, chunkSize)

	for {
		if a.shutdown.Load() {
			a.logger.Info("hydrant: shutdown observed, stopping input loop")
			break
		}

		n, err := io.ReadFull(src, chunk)
		if n > 0 {
			if !a.appendWithRetry(ctx, chunk[:n]) {
				a.logger.Error("hydrant: failed to append chunk after flush retry, stopping input loop")
				break
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			a.logger.Error("hydrant: input read error", "error", err)
			break
		}
	}

	if a.acc.Len() > 0 {
		processed, failed, ok := a.acc.Flush(ctx)
		a.logger.Info("hydrant: final flush", "processed", processed, "failed", failed, "ok", ok)
	}

	return nil
}

func (a *App) appendWithRetry(ctx context.Context, chunk []byte) bool {
	if a.acc.Append(chunk) {
		return true
	}
	a.acc.Flush(ctx)
	return a.acc.Append(chunk)
}

// Shutdown implements request_shutdown (spec §4.7): set the shutdown flag,
// join every worker, flush the residual buffer, then tear down the pool and
// ancillary resources. Safe to call once after Run returns.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("hydrant shutting down")
	a.shutdown.Store(true)

	a.workers.Stop()

	if a.acc.Len() > 0 {
		processed, failed, ok := a.acc.Drain(ctx)
		if !ok {
			a.logger.Error("hydrant: residual flush incomplete, data loss",
				"processed", processed, "failed", failed)
		}
	}

	if a.statusSrv != nil {
		if err := a.statusSrv.Shutdown(ctx); err != nil {
			a.logger.Error("hydrant: status server shutdown error", "error", err)
		}
	}

	a.pool.Close(ctx)
	_ = a.otelShutdown(context.Background())

	a.logger.Info("hydrant stopped")
	return nil
}
