package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/darwin7381/oao-to-sub001/internal/access"
	"github.com/darwin7381/oao-to-sub001/internal/cache"
	"github.com/darwin7381/oao-to-sub001/internal/config"
	"github.com/darwin7381/oao-to-sub001/internal/db"
	internalhttp "github.com/darwin7381/oao-to-sub001/internal/http"
	"github.com/darwin7381/oao-to-sub001/internal/ledger"
	"github.com/darwin7381/oao-to-sub001/internal/logging"
	"github.com/darwin7381/oao-to-sub001/internal/ratelimit"
	"github.com/darwin7381/oao-to-sub001/internal/usage"

	log "github.com/sirupsen/logrus"
)

// fastCache is the combined cache surface the pipeline needs: projection
// reads for the verifier and window counters for the limiter.
type fastCache interface {
	access.ProjectionCache
	ratelimit.CounterStore
}

// Migrate opens the database and runs migrations.
func Migrate(_ context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Logging)
	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	return db.Migrate(conn)
}

// RunServer boots the access-control server and blocks until ctx is cancelled.
func RunServer(ctx context.Context, configPath string) error {
	cfg, errLoad := config.Load(configPath)
	if errLoad != nil {
		return errLoad
	}
	logging.Setup(cfg.Logging)

	conn, errOpen := db.Open(cfg.Database.DSN)
	if errOpen != nil {
		return errOpen
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	var store fastCache
	if cfg.Redis.Addr != "" {
		redisCache, errRedis := cache.NewRedis(cfg.Redis)
		if errRedis != nil {
			return errRedis
		}
		defer redisCache.Close()
		store = redisCache
		log.Infof("fast cache: redis at %s", cfg.Redis.Addr)
	} else {
		store = cache.NewMemory()
		log.Info("fast cache: in-process memory (no redis configured)")
	}

	recorder := usage.NewRecorder(conn, cfg.Usage.BufferSize)
	recorderCtx, stopRecorder := context.WithCancel(context.Background())
	recorder.Start(recorderCtx)

	cleaner := usage.NewRetentionCleaner(conn, cfg.Usage.RetentionDays)
	cleaner.Start(ctx)

	engine := internalhttp.NewRouter(internalhttp.RouterDeps{
		DB:         conn,
		Verifier:   access.NewVerifier(conn, store),
		Limiter:    ratelimit.NewLimiter(store),
		Ledger:     ledger.NewLedger(conn),
		Recorder:   recorder,
		AdminToken: cfg.Admin.Token,

		DefaultMinuteLimit: cfg.RateLimit.DefaultPerMinute,
		DefaultDayLimit:    cfg.RateLimit.DefaultPerDay,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cfg.Server.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case errServe := <-serveErr:
		stopRecorder()
		if errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return errServe
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errShutdown := server.Shutdown(shutdownCtx)

	// Flush buffered usage rows before returning.
	stopRecorder()
	select {
	case <-recorder.Done():
	case <-time.After(5 * time.Second):
		log.Warn("usage recorder did not flush in time")
	}

	return errShutdown
}
