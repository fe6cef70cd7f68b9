package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openshaper/shaperd/pkg/config"
	"github.com/openshaper/shaperd/pkg/facade"
	"github.com/openshaper/shaperd/pkg/pubsub"
)

// webServer hosts the WebSocket telemetry endpoint, a small REST
// surface for scripting, and the Prometheus metrics handler.
type webServer struct {
	cfg      *config.Config
	facade   *facade.Facade
	registry *pubsub.Registry
}

func newWebServer(cfg *config.Config, f *facade.Facade, registry *pubsub.Registry) *webServer {
	return &webServer{cfg: cfg, facade: f, registry: registry}
}

func (ws *webServer) Start() error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	wsHandler := pubsub.NewWsServer(ws.registry, ws.facade.HandleBus, func(term string) any {
		return ws.facade.Search(term)
	})
	r.GET("/ws", wsHandler.Handle)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/status", ws.handleStatus)
		api.GET("/throughput", ws.handleThroughput)
		api.GET("/tree", ws.handleTree)
		api.GET("/circuits", ws.handleCircuits)
		api.POST("/reload", ws.handleReload)
	}

	return r.Run(ws.cfg.WebListen)
}

func (ws *webServer) handleStatus(c *gin.Context) {
	tracked, shaped := ws.facade.Tracker.HostCounts()
	c.JSON(http.StatusOK, gin.H{
		"version":       Version,
		"tracked_hosts": tracked,
		"shaped_hosts":  shaped,
		"active_flows":  ws.facade.Flows.CountActive(),
	})
}

func (ws *webServer) handleThroughput(c *gin.Context) {
	c.JSON(http.StatusOK, ws.facade.CurrentThroughput())
}

func (ws *webServer) handleTree(c *gin.Context) {
	c.JSON(http.StatusOK, ws.facade.GetFullNetworkMap())
}

func (ws *webServer) handleCircuits(c *gin.Context) {
	c.JSON(http.StatusOK, ws.facade.GetAllCircuits())
}

func (ws *webServer) handleReload(c *gin.Context) {
	if err := ws.facade.Reload(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}
