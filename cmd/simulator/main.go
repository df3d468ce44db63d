// The simulator replays a historical tick dataset as a time-compressed live
// feed: a websocket push channel plus HTTP control, status and catch-up
// endpoints.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/quantfeed/tickflow/internal/config"
	"github.com/quantfeed/tickflow/internal/replay"
	"github.com/quantfeed/tickflow/internal/tickstore"
	"github.com/quantfeed/tickflow/internal/ws"
	"github.com/quantfeed/tickflow/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadSimulator()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	store, err := tickstore.Load(cfg.DataFile, zapLogger)
	if err != nil {
		zapLogger.Fatal("failed to load trade data, simulator cannot start", zap.Error(err))
	}

	hub := ws.NewHub(zapLogger)
	sched := replay.NewScheduler(store, hub, zapLogger)
	if cfg.AutoStart {
		sched.Start()
	}

	gin.SetMode(gin.ReleaseMode)
	api := replay.NewAPI(sched, hub, zapLogger)
	srv := &http.Server{Addr: cfg.Addr, Handler: api.Router()}

	go func() {
		zapLogger.Info("simulator listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down simulator")

	sched.Stop()
	hub.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		zapLogger.Error("http shutdown failed", zap.Error(err))
	}
}
