package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"happysrt/api/db"
	"happysrt/api/internal/app"
	"happysrt/api/internal/auth"
	"happysrt/api/internal/blob"
	"happysrt/api/internal/config"
	"happysrt/api/internal/events"
	"happysrt/api/internal/logger"
	"happysrt/api/internal/session"
	"happysrt/api/internal/store"
	"happysrt/api/internal/sweeper"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqlDB, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}
	defer sqlDB.Close()

	applied, err := store.ApplyMigrations(ctx, sqlDB, migrations(cfg.MigrationsDir))
	if err != nil {
		log.Fatal("migrations failed", zap.Error(err))
	}
	if len(applied) > 0 {
		log.Info("migrations applied", zap.Strings("versions", applied))
	}
	dataStore := store.NewPostgresStore(sqlDB)

	var verifier auth.Verifier
	if strings.TrimSpace(cfg.AuthEndpoint) != "" {
		log.Info("verifying identities against remote endpoint", zap.String("endpoint", cfg.AuthEndpoint))
		verifier = auth.NewRemoteVerifier(cfg.AuthEndpoint, cfg.AuthProject, nil)
	} else {
		verifier = auth.NewJWTVerifier(cfg.JWTSecret)
	}
	var identityCache *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		identityCache, err = session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		defer identityCache.Close()
		verifier = session.NewCachedVerifier(verifier, identityCache, cfg.IdentityCacheTTL, log)
	}

	var publisher events.Publisher = events.Nop{}
	if strings.TrimSpace(cfg.NATSURL) != "" {
		natsPublisher, err := events.NewNATSPublisher(cfg.NATSURL, cfg.EventsSubject)
		if err != nil {
			log.Fatal("nats connection failed", zap.Error(err))
		}
		publisher = natsPublisher
	}
	defer publisher.Close()

	var service *app.Service
	var objects *blob.Store
	if strings.TrimSpace(cfg.S3Bucket) != "" {
		objects, err = blob.New(blob.Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			log.Fatal("object storage setup failed", zap.Error(err))
		}
		service = app.New(cfg, dataStore, objects, verifier, publisher, log)
		service.AddReadinessCheck("objectStorage", objects.Ping)
	} else {
		log.Warn("object storage is not configured; audio uploads are disabled")
		service = app.New(cfg, dataStore, nil, verifier, publisher, log)
	}
	if identityCache != nil {
		service.AddReadinessCheck("redis", identityCache.Ping)
	}

	sweep, err := newSweeper(cfg, dataStore, objects, log)
	if err != nil {
		log.Fatal("sweeper setup failed", zap.Error(err))
	}
	go sweep.Run(ctx)

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("happysrt api listening", zap.String("addr", cfg.Addr), zap.String("env", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
}

// migrations prefers an on-disk directory so schema changes can ship without a
// rebuild, and falls back to the embedded copy.
func migrations(dir string) fs.FS {
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return os.DirFS(dir)
	}
	return db.Migrations()
}

func newSweeper(cfg config.Config, dataStore *store.PostgresStore, objects *blob.Store, log *zap.Logger) (*sweeper.Sweeper, error) {
	if objects == nil {
		return sweeper.New(dataStore, nil, cfg.SweepSchedule, cfg.SweepBatch, log)
	}
	return sweeper.New(dataStore, objects, cfg.SweepSchedule, cfg.SweepBatch, log)
}
