package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/acamarata/cutroom/internal/agentauth"
	"github.com/acamarata/cutroom/internal/artifacts"
	"github.com/acamarata/cutroom/internal/cache"
	"github.com/acamarata/cutroom/internal/config"
	"github.com/acamarata/cutroom/internal/httpapi"
	"github.com/acamarata/cutroom/internal/reaper"
	"github.com/acamarata/cutroom/internal/store"
	"github.com/acamarata/cutroom/pkg/scheduler"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	cfg := config.Load()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	log.WithFields(logrus.Fields{
		"port":            cfg.Port,
		"reaper_enabled":  cfg.ReaperEnabled,
		"reaper_schedule": cfg.ReaperSchedule,
	}).Info("starting cutroom orchestrator")

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database connection")
	}
	defer db.Close()

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.WithError(err).Fatal("failed to ping database")
	}
	log.Info("database connection established")

	pgStore := store.NewPostgresStore(db)
	sched := scheduler.New(pgStore)

	readyCache, err := cache.NewReadySetCache(cfg.RedisURL, log)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to Redis")
	}
	defer readyCache.Close()
	log.Info("redis connection established")

	signer := agentauth.NewSigner(cfg.AgentTokenSecret, cfg.AgentTokenExpiry)

	var artifactResolver *artifacts.Resolver
	if cfg.S3Bucket != "" {
		artifactResolver, err = artifacts.NewResolver(cfg.S3Endpoint, cfg.S3Region, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3PathStyle)
		if err != nil {
			log.WithError(err).Warn("artifact resolver not configured")
		} else {
			log.Info("artifact resolver configured")
		}
	}

	var stageReaper *reaper.Reaper
	if cfg.ReaperEnabled {
		stageReaper, err = reaper.New(pgStore, log, cfg.ReaperSchedule, cfg.ReaperTimeout)
		if err != nil {
			log.WithError(err).Fatal("failed to build stage reaper")
		}
		stageReaper.Start()
		defer stageReaper.Stop()
		log.Info("stage reaper started")
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpapi.RequestLogger(log))

	h := httpapi.NewHandler(sched, readyCache, signer, artifactResolver, log)
	h.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("orchestrator listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.WithField("signal", sig.String()).Info("shutting down orchestrator")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}

	log.Info("orchestrator stopped")
}
