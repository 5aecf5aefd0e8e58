package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"skillswap/api/internal/app"
	"skillswap/api/internal/avatar"
	"skillswap/api/internal/email"
	"skillswap/api/internal/live"
	"skillswap/api/internal/search"
	"skillswap/api/internal/session"
	"skillswap/api/internal/store"
)

func serveCmd(rt *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run migrations and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), rt)
		},
	}
}

func runServe(parent context.Context, rt *cliState) error {
	cfg, logger := rt.cfg, rt.logger
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
		logger.Info("migrations applied", zap.Strings("versions", applied))
	}

	dataStore := store.NewPostgresStore(db)
	hub := live.NewHub(live.DefaultBuffer)
	defer hub.Close()

	opts := []app.Option{app.WithLogger(logger)}

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
	}
	opts = append(opts, app.WithSearch(search.NewService(meiliClient, search.NewPgSkills(dataStore), logger)))

	var bridge *live.RedisBridge
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisStore.Close()
		logger.Info("using redis for refresh sessions and live fan-out")
		bridge = live.NewRedisBridge(redisStore.Client(), hub, logger)
		opts = append(opts, app.WithSessions(redisStore), app.WithLive(hub, bridge))
	} else {
		logger.Info("using postgres for refresh sessions")
		opts = append(opts, app.WithLive(hub, nil))
	}

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		objects, err := avatar.NewMinioStore(avatar.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return fmt.Errorf("minio client: %w", err)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			logger.Warn("avatar bucket unavailable, uploads disabled", zap.Error(err))
		} else {
			opts = append(opts, app.WithAvatars(objects))
		}
	}

	if cfg.SMTPConfigured() {
		opts = append(opts, app.WithMailer(email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})))
	} else {
		logger.Info("smtp not configured, notification emails disabled")
	}

	service := app.New(cfg, dataStore, opts...)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if bridge != nil {
		group.Go(func() error {
			if err := bridge.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("live bridge: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		logger.Info("SkillSwap API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		hub.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutdown error", zap.Error(err))
		}
		return nil
	})
	return group.Wait()
}
