// Package dashboard exposes the consumer side's aggregated state: a snapshot
// query, a reset command and a websocket push feed for browsers.
package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quantfeed/tickflow/internal/aggregation"
	"github.com/quantfeed/tickflow/internal/ws"
	"github.com/quantfeed/tickflow/pkg/models"
)

// MACD periods used for dashboard snapshots.
const (
	MACDFast   = 12
	MACDSlow   = 26
	MACDSignal = 9
)

// Server builds snapshots from the aggregation engine and pushes them to
// dashboard subscribers.
type Server struct {
	logger  *zap.Logger
	engine  *aggregation.Engine
	hub     *ws.Hub
	windows []int
}

// NewServer creates a dashboard server. windows selects the moving-average
// windows included in snapshots; nil means aggregation.DefaultWindows.
func NewServer(engine *aggregation.Engine, hub *ws.Hub, windows []int, logger *zap.Logger) *Server {
	if len(windows) == 0 {
		windows = aggregation.DefaultWindows
	}
	return &Server{logger: logger, engine: engine, hub: hub, windows: windows}
}

// Router builds the gin engine. When staticDir is non-empty the dashboard
// assets are served from it under /app.
func (s *Server) Router(staticDir string) *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:   []string{"Content-Length"},
		MaxAge:          12 * time.Hour,
	}))

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/data", s.getData)
	router.POST("/reset", s.reset)
	router.GET("/ws", s.serveWS)
	if staticDir != "" {
		router.Static("/app", staticDir)
	}
	return router
}

// Snapshot assembles the current aggregated state.
func (s *Server) Snapshot() models.Snapshot {
	bars := s.engine.MinuteBars()
	if bars == nil {
		bars = []models.MinuteBar{}
	}
	return models.Snapshot{
		Timestamp:        time.Now(),
		MinuteAggregates: bars,
		Summary:          s.engine.Summary(),
		MovingAverages:   s.engine.MovingAverages(s.windows),
		MACD:             s.engine.MACD(MACDFast, MACDSlow, MACDSignal),
	}
}

// BroadcastSnapshot pushes the current snapshot to every subscriber.
func (s *Server) BroadcastSnapshot() {
	payload, err := json.Marshal(s.Snapshot())
	if err != nil {
		s.logger.Error("failed to encode snapshot", zap.Error(err))
		return
	}
	s.hub.Publish(payload)
}

// RunPeriodicBroadcast pushes snapshots at a fixed cadence so dashboards
// refresh even while no trades arrive. Returns when the context is
// cancelled.
func (s *Server) RunPeriodicBroadcast(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.hub.Count() > 0 {
				s.BroadcastSnapshot()
			}
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getData(c *gin.Context) {
	c.JSON(http.StatusOK, s.Snapshot())
}

// reset clears all aggregation state and immediately pushes the emptied
// snapshot so connected dashboards blank out too.
func (s *Server) reset(c *gin.Context) {
	s.engine.Reset()
	s.BroadcastSnapshot()
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "all aggregation state reset"})
}

// serveWS attaches a dashboard subscriber, seeding it with the current
// snapshot.
func (s *Server) serveWS(c *gin.Context) {
	initial, err := json.Marshal(s.Snapshot())
	if err != nil {
		s.logger.Error("failed to encode initial snapshot", zap.Error(err))
		initial = nil
	}
	s.hub.ServeWS(c.Writer, c.Request, initial)
}
