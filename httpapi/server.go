// Package httpapi is the HTTP front door: the metered call endpoint, the
// permit admin surface, health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meterpay/meterpay"
	"github.com/meterpay/meterpay/router"
)

// CallRouter routes one metered call end to end. *router.Router implements
// it.
type CallRouter interface {
	Route(ctx context.Context, req *router.Request) (*router.Response, error)
}

// Config wires the server's collaborators.
type Config struct {
	Router  CallRouter
	Permits *PermitService

	// Logger for access and error logs (optional).
	Logger *zap.Logger

	// Metrics is the /metrics handler (optional, defaults to promhttp).
	Metrics http.Handler

	// RateLimit is the per-API-key budget in requests per second and
	// RateBurst its bucket depth (optional, defaults 10 and 20).
	RateLimit float64
	RateBurst int
}

// Server mounts the HTTP routes and maps errors to statuses.
type Server struct {
	calls   CallRouter
	permits *PermitService
	log     *zap.Logger
	metrics http.Handler
	limits  *keyLimiter
}

// NewServer creates a server.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 10
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 20
	}
	return &Server{
		calls:   cfg.Router,
		permits: cfg.Permits,
		log:     log,
		metrics: metrics,
		limits:  newKeyLimiter(limit, burst),
	}
}

// Handler builds the gin engine with every route mounted.
func (s *Server) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery(), s.accessLog(), corsHeaders())

	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", gin.WrapH(s.metrics))

	v1 := e.Group("/v1")
	v1.POST("/router/:agentId", s.rateLimited(), s.handleRoute)
	v1.POST("/permits", s.handleCreatePermit)
	v1.GET("/permits", s.handleListPermits)
	v1.PATCH("/permits/:id", s.handleUpdatePermit)
	v1.POST("/permits/revoke", s.handleRevokePermit)
	return e
}

type routeBody struct {
	Method     string            `json:"method"`
	Parameters json.RawMessage   `json:"parameters"`
	Metadata   map[string]string `json:"metadata"`
}

func (s *Server) handleRoute(c *gin.Context) {
	var body routeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error": "invalid JSON body: " + err.Error(),
			"kind":  string(meterpay.KindInvalidRequest),
		})
		return
	}

	requestID := c.GetHeader("X-Request-Id")
	if requestID == "" {
		requestID = body.Metadata["request_id"]
	}

	resp, err := s.calls.Route(c.Request.Context(), &router.Request{
		APIKey:     bearerToken(c),
		AgentID:    c.Param("agentId"),
		Method:     body.Method,
		Parameters: body.Parameters,
		RequestID:  requestID,
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": meterpay.Version})
}

// abortWithError writes the error envelope with the status its kind maps
// to. A publisher timeout is the one override: the upstream answered too
// slowly, which is 504, not 502.
func (s *Server) abortWithError(c *gin.Context, err error) {
	kind := meterpay.KindOf(err)
	status := meterpay.HTTPStatus(kind)
	if kind == meterpay.KindAPICallFailed && isTimeout(err) {
		status = http.StatusGatewayTimeout
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}
