// Package management provides a lightweight HTTP API for runtime inspection
// of the running CASTLE engine.
//
// Endpoints:
//
//	GET /status    - engine health, uptime, queue/Γ/Ω sizes, current τ (null while +Inf)
//	GET /metrics   - JSON snapshot of insert/release/suppression counters
//	GET /clusters  - per-cluster summary of the active (Γ) and retired (Ω) sets
package management

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"castle-stream/internal/castle"
	"castle-stream/internal/config"
	"castle-stream/internal/metrics"
)

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	engine    *castle.Engine
	metrics   *metrics.Metrics // nil = no metrics
	startTime time.Time
	token     string // bearer token for auth; empty = no auth
	httpSrv   *http.Server
}

// New creates a management server bound to a running engine. The
// underlying *http.Server is built here, once, so that ListenAndServe
// and Shutdown can run concurrently from separate goroutines without
// racing on its construction.
func New(cfg *config.Config, engine *castle.Engine, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:       cfg,
		engine:    engine,
		metrics:   m,
		startTime: time.Now(),
		token:     cfg.ManagementToken,
	}
	if s.token != "" {
		log.Printf("[MANAGEMENT] Bearer token authentication enabled")
	}

	h2s := &http2.Server{
		MaxConcurrentStreams: 250,
		MaxReadFrameSize:     1 << 20,
		IdleTimeout:          90 * time.Second,
	}
	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", cfg.ManagementPort),
		Handler:           h2c.NewHandler(s.Handler(), h2s),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.authMiddleware())

	r.GET("/status", s.handleStatus)
	r.GET("/metrics", s.handleMetrics)
	r.GET("/clusters", s.handleClusters)
	return r
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.Next()
			return
		}
		auth := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			log.Printf("[MANAGEMENT] Unauthorized access attempt from %s to %s", c.ClientIP(), c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleStatus(c *gin.Context) {
	gammaLen, omegaLen := len(s.engine.Gamma()), len(s.engine.Omega())
	queueLen, tau := s.engine.QueueLen(), s.engine.Tau()

	// τ is +Inf until any cluster exists, and encoding/json cannot
	// represent infinities; report it as null in that case.
	var tauJSON any = tau
	if math.IsInf(tau, 0) || math.IsNaN(tau) {
		tauJSON = nil
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         "running",
		"uptime":         time.Since(s.startTime).Round(time.Second).String(),
		"activeClusters": gammaLen,
		"retiredClusters": omegaLen,
		"queueLength":    queueLen,
		"tau":            tauJSON,
		"k":              s.cfg.K,
		"l":              s.cfg.L,
		"delta":          s.cfg.Delta,
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics not enabled"})
		return
	}
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

type clusterSummary struct {
	Size       int   `json:"size"`
	Diversity  int   `json:"diversity"`
	DistinctID int   `json:"distinctPids"`
}

func (s *Server) handleClusters(c *gin.Context) {
	summarize := func(clusters []*castle.Cluster) []clusterSummary {
		out := make([]clusterSummary, 0, len(clusters))
		for _, cl := range clusters {
			pids := make(map[any]struct{})
			for _, it := range cl.Contents() {
				pids[it.PID()] = struct{}{}
			}
			out = append(out, clusterSummary{
				Size:       cl.Len(),
				Diversity:  cl.DiversityCount(),
				DistinctID: len(pids),
			})
		}
		return out
	}

	c.JSON(http.StatusOK, gin.H{
		"active":  summarize(s.engine.Gamma()),
		"retired": summarize(s.engine.Omega()),
	})
}

// ListenAndServe starts the management HTTP server. Requests negotiated
// as cleartext HTTP/2 (h2c) are served directly on the same listener —
// there is no upstream connection to terminate TLS for here, only a
// loopback dashboard API, so h2c is served without any TLS machinery.
func (s *Server) ListenAndServe() error {
	log.Printf("[MANAGEMENT] Listening on %s", s.httpSrv.Addr)
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the management HTTP server, waiting for
// in-flight requests to finish or ctx to expire, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
