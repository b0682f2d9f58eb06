// Package broker is the orchestrator-hosted HTTP surface the workers share:
// the inference queue, the browser context pool, and the metrics endpoint,
// all on one localhost listener.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/aulog"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/browser"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/inference"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/metrics"
	"github.com/Sparker0i/ipl-auction-agents-sub001/internal/report"
)

// Error kinds on the wire, mapped back to sentinels by the worker client.
const (
	kindTimeout     = "timeout"
	kindUnavailable = "unavailable"
	kindMalformed   = "malformed"
	kindQueueClosed = "queue_closed"
)

// Config tunes the broker listener.
type Config struct {
	Addr            string        // host:port, ":0" picks a free port
	ReleaseCooldown time.Duration // applied to /v1/context/release
}

// Server hosts the shared resources over HTTP.
type Server struct {
	cfg    Config
	queue  *inference.Queue
	client *inference.Client
	pool   *browser.PagePool
	events *report.EventLog

	router   *gin.Engine
	listener net.Listener
	srv      *http.Server
	log      *slog.Logger
}

// NewServer wires the broker around the shared queue, client, pool, and
// run event log.
func NewServer(cfg Config, queue *inference.Queue, client *inference.Client, pool *browser.PagePool, events *report.EventLog) *Server {
	if cfg.ReleaseCooldown <= 0 {
		cfg.ReleaseCooldown = browser.DefaultCooldown
	}
	s := &Server{
		cfg:    cfg,
		queue:  queue,
		client: client,
		pool:   pool,
		events: events,
		log:    aulog.For("broker"),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/v1/inference", s.handleInference)
	r.POST("/v1/context/request", s.handleContextRequest)
	r.POST("/v1/context/release", s.handleContextRelease)
	r.POST("/v1/context/force-release", s.handleContextForceRelease)
	r.GET("/v1/stats", s.handleStats)
	r.GET("/v1/events", s.handleEvents)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router = r
	return s
}

// Start binds the listener and serves in the background. The bound address
// is available via Addr afterwards.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("broker listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{Handler: s.router}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("broker serve failed", "err", err)
		}
	}()
	s.log.Info("broker listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests, then drains the queue's in-flight
// inference before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if s.srv != nil {
		if err := s.srv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := s.queue.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	s.log.Info("broker stopped")
	return firstErr
}

type inferenceRequest struct {
	Franchise string `json:"franchise" binding:"required"`
	Prompt    string `json:"prompt" binding:"required"`
}

type errorReply struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) handleInference(c *gin.Context) {
	var req inferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorReply{Error: err.Error(), Kind: kindMalformed})
		return
	}

	start := time.Now()
	res, err := s.queue.Enqueue(c.Request.Context(), req.Franchise, func(ctx context.Context) (*inference.Result, error) {
		return s.client.Complete(ctx, req.Prompt)
	})
	metrics.InferenceDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		kind, status := classify(err)
		metrics.InferenceErrors.WithLabelValues(kind).Inc()
		c.JSON(status, errorReply{Error: err.Error(), Kind: kind})
		return
	}
	c.JSON(http.StatusOK, res)
}

// classify maps an inference error onto its wire kind and HTTP status.
func classify(err error) (string, int) {
	switch {
	case errors.Is(err, inference.ErrTimeout):
		return kindTimeout, http.StatusGatewayTimeout
	case errors.Is(err, inference.ErrMalformed):
		return kindMalformed, http.StatusBadGateway
	case errors.Is(err, inference.ErrQueueClosed):
		return kindQueueClosed, http.StatusServiceUnavailable
	default:
		return kindUnavailable, http.StatusBadGateway
	}
}

type contextRequest struct {
	Franchise string `json:"franchise" binding:"required"`
}

func (s *Server) handleContextRequest(c *gin.Context) {
	var req contextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorReply{Error: err.Error(), Kind: kindMalformed})
		return
	}
	lease, err := s.pool.Request(c.Request.Context(), req.Franchise)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorReply{Error: err.Error(), Kind: kindUnavailable})
		return
	}
	c.JSON(http.StatusOK, lease)
}

func (s *Server) handleContextRelease(c *gin.Context) {
	var req contextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorReply{Error: err.Error(), Kind: kindMalformed})
		return
	}
	s.pool.Release(req.Franchise, s.cfg.ReleaseCooldown)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleContextForceRelease(c *gin.Context) {
	var req contextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorReply{Error: err.Error(), Kind: kindMalformed})
		return
	}
	if err := s.pool.ForceRelease(c.Request.Context(), req.Franchise); err != nil {
		c.JSON(http.StatusInternalServerError, errorReply{Error: err.Error(), Kind: kindUnavailable})
		return
	}
	c.Status(http.StatusNoContent)
}

// StatsReply is the /v1/stats payload.
type StatsReply struct {
	QueueDepth   int `json:"queue_depth"`
	QueueActive  int `json:"queue_active"`
	QueueCap     int `json:"queue_cap"`
	PoolActive   int `json:"pool_active"`
	PoolCapacity int `json:"pool_capacity"`
}

// handleEvents tails the run event log as NDJSON: buffered events past the
// since cursor first, then live events until the client disconnects or the
// log closes.
func (s *Server) handleEvents(c *gin.Context) {
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorReply{Error: "bad since cursor", Kind: kindMalformed})
		return
	}

	sub := s.events.SubscribeSince(since, 64)
	defer s.events.Unsubscribe(sub)

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	enc := json.NewEncoder(c.Writer)
	for {
		select {
		case evt, ok := <-sub:
			if !ok {
				return
			}
			if err := enc.Encode(evt); err != nil {
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (s *Server) handleStats(c *gin.Context) {
	qs := s.queue.Stats()
	active, capacity := s.pool.Occupancy()
	c.JSON(http.StatusOK, StatsReply{
		QueueDepth:   qs.Depth,
		QueueActive:  qs.Active,
		QueueCap:     qs.MaxConcurrent,
		PoolActive:   active,
		PoolCapacity: capacity,
	})
}
