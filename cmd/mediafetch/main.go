// Package main wires together the media fetch service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcspubsub "cloud.google.com/go/pubsub"
	gcsstorage "cloud.google.com/go/storage"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pinfairy/mediafetch/internal/admission"
	admmemory "github.com/pinfairy/mediafetch/internal/admission/memory"
	"github.com/pinfairy/mediafetch/internal/admission/redisstore"
	"github.com/pinfairy/mediafetch/internal/api"
	"github.com/pinfairy/mediafetch/internal/clock/system"
	"github.com/pinfairy/mediafetch/internal/config"
	"github.com/pinfairy/mediafetch/internal/delivery"
	"github.com/pinfairy/mediafetch/internal/fetcher"
	"github.com/pinfairy/mediafetch/internal/fetcher/headless"
	"github.com/pinfairy/mediafetch/internal/fetcher/primary"
	"github.com/pinfairy/mediafetch/internal/hash/sha256"
	histmemory "github.com/pinfairy/mediafetch/internal/history/memory"
	histpostgres "github.com/pinfairy/mediafetch/internal/history/postgres"
	"github.com/pinfairy/mediafetch/internal/id/uuid"
	"github.com/pinfairy/mediafetch/internal/logging"
	"github.com/pinfairy/mediafetch/internal/metrics"
	"github.com/pinfairy/mediafetch/internal/pipeline"
	pubpubsub "github.com/pinfairy/mediafetch/internal/publisher/pubsub"
	"github.com/pinfairy/mediafetch/internal/service"
	"github.com/pinfairy/mediafetch/internal/storage/gcs"
	"github.com/pinfairy/mediafetch/internal/storage/local"
	storememory "github.com/pinfairy/mediafetch/internal/storage/memory"
	"github.com/pinfairy/mediafetch/internal/validator"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	clock := system.New()
	hasher := sha256.New()
	idGen := uuid.NewUUIDGenerator()

	// Admission store.
	var admStore admission.Store
	switch cfg.Admission.Store {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Admission.RedisAddr,
			Password: cfg.Admission.RedisPassword,
			DB:       cfg.Admission.RedisDB,
		})
		defer func() {
			if closeErr := rdb.Close(); closeErr != nil {
				logger.Warn("redis close failed", zap.Error(closeErr))
			}
		}()
		admStore = redisstore.New(rdb)
	default:
		admStore = admmemory.New()
	}
	admitter := admission.New(admStore, admission.Params{
		Cooldown:   cfg.Cooldown(),
		DailyQuota: cfg.Admission.DailyQuota,
	}, clock, logger.Named("admission"))

	// History store.
	var history pipeline.HistoryStore
	switch cfg.History.Backend {
	case "postgres":
		store, err := histpostgres.NewHistoryStore(ctx, histpostgres.HistoryStoreConfig{
			DSN:   cfg.History.DSN,
			Table: cfg.History.Table,
		})
		if err != nil {
			logger.Fatal("history store init failed", zap.Error(err))
		}
		defer store.Close()
		history = store
	default:
		history = histmemory.New()
	}

	// Batch artifact blob store.
	var blobs pipeline.BlobStore
	switch cfg.Storage.Backend {
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			logger.Fatal("gcs client init failed", zap.Error(err))
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("gcs client close failed", zap.Error(closeErr))
			}
		}()
		blobs, err = gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			logger.Fatal("gcs blob store init failed", zap.Error(err))
		}
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.Storage.BaseDir})
		if err != nil {
			logger.Fatal("local blob store init failed", zap.Error(err))
		}
		blobs = store
	case "memory":
		blobs = storememory.NewBlobStore()
	}

	// Completion event publisher.
	var publisher pipeline.Publisher
	if cfg.PubSub.Enabled {
		client, err := gcspubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("pubsub client close failed", zap.Error(closeErr))
			}
		}()
		pub, err := pubpubsub.New(client, cfg.PubSub.TopicName)
		if err != nil {
			logger.Fatal("pubsub publisher init failed", zap.Error(err))
		}
		defer pub.Stop()
		publisher = pub
	}

	// Fetch backends.
	primaryBackend := primary.New(primary.Config{
		UserAgent:    cfg.Fetcher.UserAgent,
		Timeout:      time.Duration(cfg.Fetcher.TimeoutSeconds) * time.Second,
		PerDomainRPS: cfg.Fetcher.PerDomainRPS,
		Burst:        cfg.Fetcher.Burst,
	}, logger.Named("primary"))

	var fallbackBackend pipeline.Backend
	if cfg.Headless.Enabled {
		hb, err := headless.New(headless.Config{
			MaxSessions:  cfg.Headless.MaxSessions,
			UserAgent:    cfg.Fetcher.UserAgent,
			NavTimeout:   time.Duration(cfg.Headless.NavTimeoutSeconds) * time.Second,
			ScrollPasses: cfg.Headless.ScrollPasses,
		}, logger.Named("headless"))
		if err != nil {
			logger.Warn("headless backend init failed", zap.Error(err))
		} else {
			defer hb.Close()
			fallbackBackend = hb
		}
	}

	fetch := fetcher.New(primaryBackend, fallbackBackend, hasher, fetcher.Config{
		MinWidth:           cfg.Fetcher.MinWidth,
		MinHeight:          cfg.Fetcher.MinHeight,
		MaxItemBytes:       int64(cfg.Fetcher.MaxItemMB) << 20,
		FanOut:             cfg.Fetcher.FanOut,
		ItemTimeout:        time.Duration(cfg.Fetcher.ItemTimeoutSeconds) * time.Second,
		CollectionTimeout:  time.Duration(cfg.Fetcher.CollectionTimeoutSeconds) * time.Second,
		MaxCollectionItems: cfg.Fetcher.MaxCollectionItems,
		SearchLimit:        cfg.Fetcher.SearchLimit,
	}, logger.Named("fetcher"))

	assembler := delivery.New(delivery.Config{
		ArchiveThreshold: cfg.Delivery.ArchiveThreshold,
		ArchivePrefix:    cfg.Delivery.ArchivePrefix,
	}, history, blobs, publisher, clock, idGen, logger.Named("delivery"))

	svc := service.New(service.Config{
		MaxConcurrent: cfg.Service.MaxConcurrent,
	}, validator.New(validator.Config{
		AcceptedDomains: cfg.Validator.AcceptedDomains,
		MinQueryLen:     cfg.Validator.MinQueryLen,
		MaxQueryLen:     cfg.Validator.MaxQueryLen,
	}), admitter, fetch, assembler, history, clock, logger.Named("service"))

	apiServer := api.NewServer(svc, api.Config{
		RequestTimeout: cfg.RequestTimeout(),
		APIKey:         cfg.Server.APIKey,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
