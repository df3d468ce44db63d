package replay

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quantfeed/tickflow/internal/ws"
	"github.com/quantfeed/tickflow/pkg/models"
)

const defaultCatchUpLimit = 100

// API exposes the simulator's HTTP surface: the catch-up pull endpoint, the
// control/status endpoints and the websocket feed.
type API struct {
	logger *zap.Logger
	sched  *Scheduler
	hub    *ws.Hub
}

// NewAPI wires the scheduler and feed hub into an HTTP handler set.
func NewAPI(sched *Scheduler, hub *ws.Hub, logger *zap.Logger) *API {
	return &API{logger: logger, sched: sched, hub: hub}
}

// Router builds the gin engine with logging, recovery and permissive CORS.
func (a *API) Router() *gin.Engine {
	router := gin.New()
	router.Use(ginzap.Ginzap(a.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(a.logger, true))
	router.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders:   []string{"Content-Length"},
		MaxAge:          12 * time.Hour,
	}))

	router.GET("/health", a.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/trades", a.getTrades)
	router.POST("/simulation/control", a.control)
	router.GET("/simulation/status", a.status)
	router.GET("/ws", a.serveWS)
	return router
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getTrades serves the one-shot historical catch-up pull.
func (a *API) getTrades(c *gin.Context) {
	limit := defaultCatchUpLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	trades := a.sched.CatchUp(limit)
	if trades == nil {
		trades = []models.Trade{}
	}
	c.JSON(http.StatusOK, trades)
}

// control executes start/stop/reset/speed actions. Rejected input comes back
// as an error status in the body, not as a transport failure.
func (a *API) control(c *gin.Context) {
	var req models.ControlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ControlResponse{Status: "error", Message: err.Error()})
		return
	}

	switch req.Action {
	case models.ActionStart:
		if a.sched.Start() {
			c.JSON(http.StatusOK, models.ControlResponse{Status: "started"})
		} else {
			c.JSON(http.StatusOK, models.ControlResponse{Status: "already_running"})
		}
	case models.ActionStop:
		a.sched.Stop()
		c.JSON(http.StatusOK, models.ControlResponse{Status: "stopped"})
	case models.ActionReset:
		a.sched.Reset()
		c.JSON(http.StatusOK, models.ControlResponse{Status: "reset"})
	case models.ActionSpeed:
		if err := a.sched.SetSpeed(req.Speed); err != nil {
			c.JSON(http.StatusOK, models.ControlResponse{Status: "error", Message: err.Error()})
			return
		}
		c.JSON(http.StatusOK, models.ControlResponse{Status: "speed_updated", SpeedFactor: req.Speed})
	default:
		c.JSON(http.StatusOK, models.ControlResponse{Status: "error", Message: "unknown action"})
	}
}

func (a *API) status(c *gin.Context) {
	c.JSON(http.StatusOK, a.sched.Status())
}

// serveWS attaches a feed subscriber, greeting it with a "connected"
// envelope before batches start flowing.
func (a *API) serveWS(c *gin.Context) {
	initial, err := json.Marshal(models.FeedMessage{Type: models.FeedTypeConnected})
	if err != nil {
		initial = nil
	}
	a.hub.ServeWS(c.Writer, c.Request, initial)
}
