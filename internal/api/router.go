package api

import (
	"github.com/gin-gonic/gin"
	"github.com/mangalm/invoice-ingest/internal/api/handler"
	"github.com/mangalm/invoice-ingest/internal/api/middleware"
	"github.com/mangalm/invoice-ingest/internal/logger"
	"github.com/mangalm/invoice-ingest/internal/pipeline"
	"github.com/mangalm/invoice-ingest/internal/repository"
	"github.com/mangalm/invoice-ingest/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Deps carries everything the HTTP surface needs. Wired once in main.
type Deps struct {
	Mode         string
	CORS         middleware.CORSConfig
	Log          *logger.Logger
	DB           *gorm.DB
	Orchestrator *pipeline.Orchestrator
	Broker       *pipeline.Broker
	Metrics      *pipeline.Aggregator
	Store        storage.ObjectStorage // nil when object storage is disabled
	Gatherer     prometheus.Gatherer
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(deps Deps) *gin.Engine {
	// Set Gin mode
	switch deps.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	// Add middleware
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Log))
	r.Use(middleware.CORS(deps.CORS))

	// Create handlers
	healthHandler := handler.NewHealthHandler(deps.DB, deps.Metrics)
	jobHandler := handler.NewJobHandler(deps.Orchestrator, repository.NewErrorRepository(deps.DB))
	progressHandler := handler.NewProgressHandler(deps.Orchestrator, deps.Broker)
	uploadHandler := handler.NewUploadHandler(deps.Store)

	// Health check and metrics
	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// Source uploads
		v1.POST("/uploads", uploadHandler.Upload)

		// Jobs
		v1.POST("/jobs", jobHandler.Submit)
		v1.GET("/jobs/:id", jobHandler.Get)
		v1.POST("/jobs/:id/cancel", jobHandler.Cancel)
		v1.GET("/jobs/:id/errors", jobHandler.Errors)
		v1.GET("/jobs/:id/events", progressHandler.Events)
	}

	return r
}
