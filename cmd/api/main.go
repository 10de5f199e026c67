package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pawlenx/api/internal/app"
	"pawlenx/api/internal/auth"
	"pawlenx/api/internal/authpw"
	"pawlenx/api/internal/config"
	"pawlenx/api/internal/docstore"
	"pawlenx/api/internal/email"
	"pawlenx/api/internal/identity"
	"pawlenx/api/internal/ingest"
	"pawlenx/api/internal/logging"
	"pawlenx/api/internal/pets"
	"pawlenx/api/internal/store"
	"pawlenx/api/internal/throttle"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	docs, err := openDocstore(ctx, cfg)
	if err != nil {
		return err
	}
	logger.Info("document store ready", "backend", cfg.DocstoreBackend)

	var ledger store.Ledger
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", "versions", applied)
		}
		ledger = store.NewPostgresLedger(db)
	} else {
		logger.Warn("DATABASE_URL not set, submission ledger kept in memory")
		ledger = store.NewMemoryLedger()
	}

	var limiter authpw.Limiter
	var limiterCheck app.Pinger
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisLimiter, err := throttle.NewRedisLimiter(cfg.RedisURL, cfg.LoginMaxAttempts, cfg.LoginWindow)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisLimiter.Close()
		limiter, limiterCheck = redisLimiter, redisLimiter
	} else {
		limiter = throttle.NewMemoryLimiter(cfg.LoginMaxAttempts, cfg.LoginWindow)
	}

	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	keys := identity.NewDeriver(cfg.KeySalt, identity.DefaultParams)
	registry := pets.NewRegistry(docs, docstore.DefaultRetryPolicy, logger)
	authSvc := authpw.NewService(docs, keys, tokens, limiter, logger, authpw.WithCollections(registry))

	mailer := email.NewService(email.Config{
		Host:        cfg.SMTPHost,
		Port:        cfg.SMTPPort,
		Username:    cfg.SMTPUsername,
		Password:    cfg.SMTPPassword,
		From:        cfg.SMTPFrom,
		FromName:    cfg.SMTPFromName,
		HiringInbox: cfg.HiringEmail,
	})
	var pipelineOpts []ingest.Option
	if mailer.IsConfigured() {
		pipelineOpts = append(pipelineOpts, ingest.WithNotifier(mailer))
	} else {
		logger.Info("SMTP not configured, application notifications disabled")
	}
	pipeline := ingest.NewPipeline(docs, ledger, ingest.Options{
		ApplicationsDir: cfg.ApplicationsDir,
		PhotosDir:       cfg.PhotosDir,
		MaxBytes:        cfg.UploadMaxBytes,
		RemoteTimeout:   cfg.RemoteTimeout,
	}, logger, pipelineOpts...)

	reconciler := ingest.NewReconciler(pipeline, ledger, ingest.ReconcilerOptions{
		Interval:  cfg.ReconcileInterval,
		PerSecond: cfg.ReconcileRate,
		BatchSize: cfg.ReconcileBatchSize,
	}, logger)
	reconcileDone := make(chan struct{})
	go func() {
		defer close(reconcileDone)
		reconciler.Run(ctx)
	}()

	checks := []app.Check{{Name: "ledger", Pinger: ledger}}
	if pinger, ok := docs.(docstore.Pinger); ok {
		checks = append(checks, app.Check{Name: "docstore", Pinger: pinger})
	}
	if limiterCheck != nil {
		checks = append(checks, app.Check{Name: "throttle", Pinger: limiterCheck})
	}

	service := app.New(cfg, app.Deps{
		Auth:   authSvc,
		Tokens: tokens,
		Pets:   registry,
		Ingest: pipeline,
		Checks: checks,
	})
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("PawLenx API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}
	<-reconcileDone
	return nil
}

func openDocstore(ctx context.Context, cfg config.Config) (docstore.Store, error) {
	var backend docstore.Store
	switch cfg.DocstoreBackend {
	case "git", "":
		gitStore, err := docstore.OpenGit(docstore.GitOptions{
			Dir:         cfg.GitDir,
			Branch:      cfg.GitBranch,
			RemoteURL:   cfg.GitRemote,
			Username:    cfg.GitUsername,
			Token:       cfg.GitToken,
			AuthorName:  cfg.AuthorName,
			AuthorEmail: cfg.AuthorEmail,
		})
		if err != nil {
			return nil, fmt.Errorf("open git document store: %w", err)
		}
		backend = gitStore
	case "s3":
		objectStore, err := docstore.OpenObjectStore(ctx, docstore.ObjectOptions{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("open object document store: %w", err)
		}
		backend = objectStore
	case "memory":
		backend = docstore.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown DOCSTORE_BACKEND %q", cfg.DocstoreBackend)
	}
	return docstore.WithTimeout(backend, cfg.RemoteTimeout), nil
}
