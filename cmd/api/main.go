package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"relay/api/internal/app"
	"relay/api/internal/attachments"
	"relay/api/internal/cache"
	"relay/api/internal/config"
	"relay/api/internal/delivery"
	"relay/api/internal/hub"
	"relay/api/internal/keycache"
	"relay/api/internal/notify"
	"relay/api/internal/search"
	"relay/api/internal/store"
	"relay/api/internal/worker"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolOptions())
	if err != nil {
		logger.WithError(err).Fatal("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.WithError(err).Fatal("migrations failed")
	}
	dataStore := store.NewPostgresStore(db)
	checks := map[string]app.Pinger{"database": dataStore}

	// The service runs without a cache when Redis is down at boot; every
	// read then goes to Postgres.
	var messageCache delivery.Cache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisURL, cache.Options{
			TTL:         cfg.CacheTTL,
			TypingTTL:   cfg.TypingTTL,
			RecentLimit: cfg.RecentMessages,
			Logger:      logger,
		})
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, running without cache")
		} else {
			defer redisCache.Close()
			messageCache = redisCache
			checks["redis"] = redisCache
		}
	}

	pool := worker.New(worker.Options{
		Workers:     cfg.WorkerCount,
		QueueSize:   cfg.WorkerQueue,
		TaskTimeout: cfg.TaskTimeout,
		Logger:      logger,
	})

	pgfts := search.NewPgFTS(db)
	var index search.Indexer
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		index = meiliClient
	}
	searchService := search.NewService(index, pgfts, logger)

	var signer delivery.URLSigner
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		s3Signer, err := attachments.NewSigner(attachments.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			TTL:       cfg.AttachmentURLTTL,
		})
		if err != nil {
			logger.WithError(err).Fatal("attachment signer setup failed")
		}
		signer = s3Signer
	}

	// The hub and the service reference each other; hub callbacks only fire
	// once the HTTP server accepts connections, after service is set.
	var service *delivery.Service
	wsHub := hub.New(hub.Options{
		Hooks: hub.Hooks{
			OnConnect:    func(userID string) { service.UserConnected(userID) },
			OnDisconnect: func(userID string) { service.UserDisconnected(userID) },
		},
		OnInbound: func(userID string, frame hub.Inbound) {
			frameCtx, cancel := context.WithTimeout(context.Background(), cfg.TaskTimeout)
			defer cancel()
			service.HandleInbound(frameCtx, userID, frame)
		},
		AllowedOrigins: strings.Split(cfg.CORSOrigin, ","),
		Logger:         logger,
	})

	service = delivery.NewService(dataStore, delivery.Options{
		Cache:          messageCache,
		Transport:      wsHub,
		Notifier:       notify.NewStoreSink(dataStore),
		Tasks:          pool,
		Keys:           keycache.New(cfg.KeyCacheSize, cfg.KeyCacheTTL),
		Search:         searchService,
		Attachments:    signer,
		Logger:         logger,
		DeliveredDelay: cfg.DeliveredDelay,
		RecentLimit:    cfg.RecentMessages,
	})

	if index != nil {
		go searchService.ReindexAll(ctx, pgfts)
	}

	httpServer := app.NewHTTPServer(service, app.Options{
		CORSOrigin:  cfg.CORSOrigin,
		TokenSecret: []byte(cfg.JWTSecret),
		Websocket:   wsHub,
		Checks:      checks,
		Tasks:       pool,
		Logger:      logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Addr).Info("relay API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
	wsHub.Stop()
	if err := pool.Close(shutdownCtx); err != nil {
		logger.WithError(err).Warn("background tasks did not drain")
	}
}
