// Package app wires the Courier runtime: config, logging, metrics, storage,
// the relay core, and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"courier/cmd/internal/auth"
	"courier/cmd/internal/relay"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App owns every long-lived component and their shutdown order.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool

	promReg *prometheus.Registry

	journal relay.Journal
	buffer  *relay.Buffer
	monitor *relay.Monitor
	ws      *relay.Gateway
	history *HistoryHandler
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel)
	}

	verifier, err := newVerifier(cfg, log)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := relay.NewMetrics(promReg)

	var (
		dbPool    *pgxpool.Pool
		dbEnabled bool
		store     relay.MessageStore
		directory relay.Directory
	)
	if cfg.DatabaseURL != "" {
		dbPool, err = NewDBPool(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		store, err = relay.NewPostgresStore(dbPool, relay.WithSchema(cfg.DBSchema))
		if err != nil {
			dbPool.Close()
			return nil, err
		}
		directory, err = relay.NewPostgresDirectory(dbPool, relay.WithDirectorySchema(cfg.DBSchema))
		if err != nil {
			dbPool.Close()
			return nil, err
		}
		dbEnabled = true
		log.Info("db.enabled.postgres_store")
	} else {
		store = relay.NewMemoryStore()
		directory = relay.NewMemoryDirectory()
		log.Info("db.disabled.inmemory_store")
	}

	var journal relay.Journal = relay.NopJournal{}
	if cfg.DataDir != "" {
		journal, err = relay.NewFileJournal(filepath.Join(cfg.DataDir, "write_back.journal"))
		if err != nil {
			if dbPool != nil {
				dbPool.Close()
			}
			return nil, err
		}
	} else {
		log.Warn("journal.disabled", "hint", "set COURIER_DATA_DIR for crash recovery")
	}

	registry := relay.NewRegistry(log, metrics)
	offline := relay.NewOfflineQueue(log, metrics, cfg.OfflineMaxPerUser)
	buffer := relay.NewBuffer(log, metrics, store, directory, journal, relay.BufferConfig{
		FlushInterval: cfg.FlushInterval,
		BatchSize:     cfg.FlushBatchSize,
	})
	engine := relay.NewEngine(log, metrics, registry, offline, buffer)
	monitor := relay.NewMonitor(log, registry, relay.MonitorConfig{
		Interval:     cfg.HeartbeatInterval,
		ProbeTimeout: cfg.HeartbeatTimeout,
	})
	ws := relay.NewGateway(log, relay.GatewayConfig{
		SendQueueSize:      cfg.SendQueueSize,
		WriteTimeout:       cfg.WSWriteTimeout,
		AllowedOriginHosts: cfg.WSAllowedOriginHosts,
	}, verifier, registry, engine, offline, directory)

	return &App{
		cfg:       cfg,
		log:       log,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
		promReg:   promReg,
		journal:   journal,
		buffer:    buffer,
		monitor:   monitor,
		ws:        ws,
		history:   NewHistoryHandler(log, verifier, store, buffer),
	}, nil
}

// Run starts the background loops and the HTTP server, blocking until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	if n, err := a.buffer.Recover(); err != nil {
		a.log.Error("buffer.recover.fail", "err", err)
	} else if n > 0 {
		a.log.Info("buffer.recover.ok", "pending", n)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.buffer.Run(bgCtx) }()
	go func() { defer wg.Done(); a.monitor.Run(bgCtx) }()

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.promReg, a.ws, a.history)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           WithRequestLogging(mux, a.log),
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	// Stop the flush and liveness loops; the buffer makes a final flush
	// attempt on its way out.
	bgCancel()
	wg.Wait()

	if err := a.journal.Close(); err != nil {
		a.log.Error("journal.close.fail", "err", err)
	}
	if a.dbPool != nil {
		a.dbPool.Close()
	}

	a.log.Info("server.stopped")
	return runErr
}

func newVerifier(cfg Config, log Logger) (auth.Verifier, error) {
	if len(cfg.DevTokens) > 0 {
		static := auth.StaticVerifier{}
		for _, entry := range cfg.DevTokens {
			token, userID, email, ok := ParseDevToken(entry)
			if !ok {
				return nil, fmt.Errorf("app: malformed dev token entry %q", entry)
			}
			static[token] = auth.Identity{UserID: userID, Email: email}
		}
		log.Warn("auth.dev_tokens", "count", len(static))
		return static, nil
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("app: COURIER_JWT_SECRET (or COURIER_DEV_TOKENS) is required")
	}
	return auth.NewJWTVerifier([]byte(cfg.JWTSecret))
}
