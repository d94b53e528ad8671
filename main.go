package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/syfpsy/nxyztask/database"
	"github.com/syfpsy/nxyztask/handlers"
	"github.com/syfpsy/nxyztask/logging"
	"github.com/syfpsy/nxyztask/services"
)

func main() {
	cfg, err := LoadConfig(".env")
	if err != nil {
		logging.Logger.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Init(cfg.Log)

	if cfg.JWTSecret == "" {
		logging.Logger.Warn("JWT_SECRET is not set, using an insecure development secret")
		cfg.JWTSecret = devJWTSecret
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := database.InitDB(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		logging.Logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	registry := database.NewRegistry(db)
	users := database.NewUserStore(db)

	problems, err := registry.Verify(ctx)
	if err != nil {
		logging.Logger.Fatalf("Failed to check board consistency: %v", err)
	}
	for _, p := range problems {
		logging.Logger.WithField("problem", p).Error("board is inconsistent")
	}

	authService := services.NewAuthService(users, services.AuthConfig{
		Secret:      cfg.JWTSecret,
		TTL:         cfg.JWTTTL,
		AdminEmails: cfg.AdminEmails,
	})

	// Initialize WebSocket hub
	hub := services.NewHub()
	go hub.Run(ctx)

	router := handlers.NewRouter(handlers.RouterConfig{
		Auth:        authService,
		Tokens:      authService,
		Users:       users,
		Registry:    registry,
		Hub:         hub,
		CORSOrigins: cfg.CORSOrigins,
		StaticDir:   cfg.StaticDir,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Logger.Errorf("Server shutdown failed: %v", err)
		}
	}()

	logging.Logger.WithField("driver", cfg.DBDriver).Infof("Server starting on port %s", cfg.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Logger.Errorf("Server failed: %v", err)
		os.Exit(1)
	}
	logging.Logger.Info("Server stopped")
}
