// Package adminapi is the read-only operator console: breaker state, balance
// snapshots, live locks, in-flight orders, engine metrics, and a WAL replay
// stream. It never mutates trading state; the one exception, breaker reset,
// stays on the CLI where the pre-trading audit gates it.
package adminapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"trading-core/internal/balance"
	"trading-core/internal/breaker"
	"trading-core/internal/lock"
	"trading-core/internal/monitor"
	"trading-core/internal/orderstore"
)

// SystemMeta describes runtime identity exposed to the console.
type SystemMeta struct {
	NodeID       string   `json:"node_id"`
	PaperTrading bool     `json:"paper_trading"`
	Symbols      []string `json:"symbols"`
	Version      string   `json:"version"`
}

// Server wires the HTTP endpoints around the engine's read surfaces.
type Server struct {
	Router *gin.Engine

	Breaker  *breaker.Breaker
	Balances *balance.Manager
	Locker   *lock.Locker
	Store    *orderstore.Store
	Metrics  *monitor.EngineMetrics
	WALPath  string

	JWTSecret string
	Meta      SystemMeta
}

// NewServer builds the router with the standard middleware stack.
func NewServer(brk *breaker.Breaker, balances *balance.Manager, locker *lock.Locker,
	store *orderstore.Store, metrics *monitor.EngineMetrics, walPath, jwtSecret string,
	meta SystemMeta) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:    r,
		Breaker:   brk,
		Balances:  balances,
		Locker:    locker,
		Store:     store,
		Metrics:   metrics,
		WALPath:   walPath,
		JWTSecret: jwtSecret,
		Meta:      meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)

	api := s.Router.Group("/api/v1")
	{
		api.POST("/auth/token", s.issueToken)

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/system/status", s.getSystemStatus)
			protected.GET("/breaker", s.getBreaker)
			protected.GET("/balances", s.getBalances)
			protected.GET("/locks", s.getLocks)
			protected.GET("/orders/inflight", s.getInFlightOrders)
			protected.GET("/orders/:client_id", s.getOrder)
			protected.GET("/metrics", s.getMetrics)
			protected.GET("/ws/wal", s.walStream)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"meta":    s.Meta,
		"breaker": string(s.Breaker.CurrentState()),
	})
}

func (s *Server) getBreaker(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":     string(s.Breaker.CurrentState()),
		"in_flight": s.Breaker.InFlightCount(),
	})
}

func (s *Server) getBalances(c *gin.Context) {
	snap := s.Balances.Snapshot()
	out := make(map[string]gin.H, len(snap))
	for ccy, b := range snap {
		out[ccy] = gin.H{
			"total":     b.Total.String(),
			"available": b.Available.String(),
			"reserved":  b.Reserved.String(),
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getLocks(c *gin.Context) {
	c.JSON(http.StatusOK, s.Locker.Snapshot())
}

func (s *Server) getInFlightOrders(c *gin.Context) {
	orders, err := s.Store.ListInFlight(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) getOrder(c *gin.Context) {
	clientID := c.Param("client_id")
	rec, err := s.Store.GetByClientID(c.Request.Context(), clientID)
	if err == orderstore.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	transitions, err := s.Store.Transitions(c.Request.Context(), clientID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": rec, "transitions": transitions})
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Metrics.Snapshot())
}

// Start serves until the listener fails.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
