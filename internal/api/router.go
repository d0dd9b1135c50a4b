// Package api exposes the task pipeline over HTTP: owner authorization
// callbacks, task reads, content verification and ledger queries.
package api

import (
	"context"
	"log"
	"math/big"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gotrs-io/datawallet/internal/content"
	"github.com/gotrs-io/datawallet/internal/ledger"
	"github.com/gotrs-io/datawallet/internal/models"
	"github.com/gotrs-io/datawallet/internal/version"
)

// TaskService is the part of the pipeline the HTTP layer drives.
type TaskService interface {
	Authorize(ctx context.Context, taskID, signature, identity string) (*models.ProcessingTask, error)
	Reject(ctx context.Context, taskID, identity, reason string) (*models.ProcessingTask, error)
	Get(ctx context.Context, taskID string) (*models.ProcessingTask, error)
	ListForOwner(ctx context.Context, identity string) ([]*models.ProcessingTask, error)
}

// ContentVerifier checks published content and wallet claims.
type ContentVerifier interface {
	Verify(ctx context.Context, locator, expectedHash string) (*content.Result, error)
	VerifyWallet(payload []byte) (*content.WalletResult, error)
}

// LedgerReader answers registration, balance and transaction queries.
type LedgerReader interface {
	Network() string
	IsRegistered(ctx context.Context, identity string) (bool, error)
	GetBalance(ctx context.Context, identity string) (*big.Int, error)
	GetTransactionStatus(ctx context.Context, txRef string) (ledger.TxStatus, error)
}

// Router wires the handlers onto a gin engine.
type Router struct {
	tasks       TaskService
	verifier    ContentVerifier
	ledger      LedgerReader
	gatherer    prometheus.Gatherer
	metricsPath string
	logger      *log.Logger
}

// Option customizes a Router.
type Option func(*Router)

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(r *Router) {
		if g != nil {
			r.gatherer = g
		}
	}
}

// WithMetricsPath moves the scrape endpoint; an empty path disables it.
func WithMetricsPath(path string) Option {
	return func(r *Router) { r.metricsPath = path }
}

func WithLogger(logger *log.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRouter creates a new API router
func NewRouter(tasks TaskService, verifier ContentVerifier, l LedgerReader, opts ...Option) *Router {
	r := &Router{
		tasks:       tasks,
		verifier:    verifier,
		ledger:      l,
		gatherer:    prometheus.DefaultGatherer,
		metricsPath: "/metrics",
		logger:      log.New(os.Stdout, "[API] ", log.LstdFlags),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Engine builds a gin engine with every route registered.
func (r *Router) Engine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.LoggerWithWriter(r.logger.Writer()), gin.Recovery())
	r.SetupRoutes(engine)
	return engine
}

// SetupRoutes configures all routes on engine
func (r *Router) SetupRoutes(engine *gin.Engine) {
	engine.GET("/healthz", r.handleHealth)
	if r.metricsPath != "" {
		engine.GET(r.metricsPath, gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := engine.Group("/api/v1")
	{
		// Tasks
		v1.GET("/tasks/:id", r.handleGetTask)
		v1.POST("/tasks/:id/authorize", r.handleAuthorize)
		v1.POST("/tasks/:id/reject", r.handleReject)
		v1.GET("/owners/:identity/tasks", r.handleListOwnerTasks)

		// Verification
		v1.POST("/verify", r.handleVerify)
		v1.POST("/verify/wallet", r.handleVerifyWallet)

		// Ledger
		v1.GET("/ledger/:identity", r.handleLedgerAccount)
		v1.GET("/transactions/:ref", r.handleTransactionStatus)
	}
}

func (r *Router) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"network": r.ledger.Network(),
		"version": version.GetInfo(),
	})
}
