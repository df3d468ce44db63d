// The server consumes the simulator's feed (historical catch-up, then live
// push with reconnect/backoff), maintains technical-analysis aggregates and
// re-broadcasts snapshots to dashboard subscribers.
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

	"github.com/quantfeed/tickflow/internal/aggregation"
	"github.com/quantfeed/tickflow/internal/config"
	"github.com/quantfeed/tickflow/internal/dashboard"
	"github.com/quantfeed/tickflow/internal/feed"
	"github.com/quantfeed/tickflow/internal/ws"
	"github.com/quantfeed/tickflow/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	engine := aggregation.NewEngine(zapLogger)
	hub := ws.NewHub(zapLogger)
	dash := dashboard.NewServer(engine, hub, cfg.MAWindows, zapLogger)

	link := feed.NewLink(feed.Config{
		FeedURL:              cfg.FeedURL,
		CatchUpURL:           cfg.CatchUpURL,
		CatchUpLimit:         cfg.CatchUpLimit,
		ReconnectDelay:       time.Duration(cfg.ReconnectDelaySeconds) * time.Second,
		BackoffCap:           cfg.BackoffCap,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		LongRetryDelay:       time.Duration(cfg.LongRetryDelaySeconds) * time.Second,
	}, engine, dash.BroadcastSnapshot, zapLogger)

	ctx, cancel := context.WithCancel(context.Background())
	go link.Run(ctx)
	go dash.RunPeriodicBroadcast(ctx, time.Duration(cfg.BroadcastIntervalMS)*time.Millisecond)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{Addr: cfg.Addr, Handler: dash.Router(cfg.StaticDir)}

	go func() {
		zapLogger.Info("aggregation server listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("shutting down aggregation server")

	cancel()
	hub.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("http shutdown failed", zap.Error(err))
	}
}
