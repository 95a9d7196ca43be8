package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xelth-com/seedtrackgo/internal/buildinfo"
	"github.com/xelth-com/seedtrackgo/internal/config"
	"github.com/xelth-com/seedtrackgo/internal/database"
	"github.com/xelth-com/seedtrackgo/internal/handlers"
	"github.com/xelth-com/seedtrackgo/internal/logger"
	"github.com/xelth-com/seedtrackgo/internal/models"
	"github.com/xelth-com/seedtrackgo/internal/services/ingest"
	"github.com/xelth-com/seedtrackgo/internal/utils"
	"github.com/xelth-com/seedtrackgo/internal/websocket"
	"go.uber.org/zap"
)

func main() {
	adminToken := flag.String("admin-token", "", "print an admin token for `name` and exit")
	hashSecret := flag.String("hash-enrollment-secret", "", "print the bcrypt hash for ENROLLMENT_SECRET_HASH and exit")
	flag.Parse()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	switch {
	case *adminToken != "":
		token, err := utils.GenerateAdminToken(*adminToken, cfg.JWTSecret, 12*time.Hour)
		if err != nil {
			log.Fatalf("Failed to generate token: %v", err)
		}
		fmt.Println(token)
		return
	case *hashSecret != "":
		hash, err := utils.HashPassword(*hashSecret)
		if err != nil {
			log.Fatalf("Failed to hash secret: %v", err)
		}
		fmt.Println(hash)
		return
	}

	zlog, err := logger.New(cfg.NodeEnv)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zlog.Sync()

	// 2. Initialize database (Detects Embedded vs External automatically)
	db, err := database.Connect(cfg.Database, zlog)
	if err != nil {
		zlog.Fatal("Failed to connect to database", zap.Error(err))
	}
	// Note: db.Close() is called manually in shutdown handler below

	// 3. Auto-Migrate Schema
	zlog.Info("Synchronizing database schema")
	if err := db.AutoMigrate(models.ServerModels()...); err != nil {
		zlog.Warn("Migration warning", zap.Error(err))
	}

	// 4. Change feed and ingest
	hub := websocket.NewHub(zlog)
	go hub.Run()

	svc := ingest.NewService(db.DB, hub, cfg.JWTSecret, zlog)
	if cfg.EnrollmentSecretHash == "" {
		zlog.Info("ENROLLMENT_SECRET_HASH not set, new devices need admin approval")
	}

	router := handlers.NewRouter(db.DB, svc, hub, handlers.Options{
		JWTSecret:            cfg.JWTSecret,
		EnrollmentSecretHash: cfg.EnrollmentSecretHash,
	}, zlog)

	// 5. Start server with graceful shutdown
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		zlog.Info("Sync server starting", zap.String("port", cfg.Port), zap.String("env", cfg.NodeEnv), zap.String("version", buildinfo.Version))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	sig := <-shutdown
	zlog.Info("Received signal, shutting down gracefully", zap.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		zlog.Error("HTTP server shutdown error", zap.Error(err))
	}
	hub.Stop()

	// Close database (this also stops embedded PostgreSQL)
	zlog.Info("Closing database connection")
	if err := db.Close(); err != nil {
		zlog.Error("Database close error", zap.Error(err))
	}

	zlog.Info("Shutdown complete")
}
