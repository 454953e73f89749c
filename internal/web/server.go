package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/analysis"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/camera"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/config"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/health"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/metrics"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/notify"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/pipeline"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/service"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/state"
	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/video"
)

// Camera is the camera session driven by the API
type Camera interface {
	StartMonitoring(ctx context.Context) error
	StopMonitoring(ctx context.Context) error
	Status() camera.Status
	CurrentFrame() ([]byte, error)
}

// ImageStore reads and prunes the image database
type ImageStore interface {
	RecentImages(ctx context.Context, limit int) ([]state.ImageSummary, error)
	GetImage(ctx context.Context, imageID int64) (*state.Image, error)
	GetImageWithAlerts(ctx context.Context, imageID int64) (*state.ImageSummary, []state.Alert, error)
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}

// ObjectStore stores uploads and serves presigned downloads
type ObjectStore interface {
	Upload(ctx context.Context, data []byte, key string) (string, error)
	Open(bucket, key, expires, signature string) (*os.File, error)
}

// Analyzer labels an uploaded image
type Analyzer interface {
	Analyze(ctx context.Context, imageURL string) (*analysis.Result, error)
}

// Notifier sends ad hoc notifications
type Notifier interface {
	Send(ctx context.Context, msg notify.Message) error
	DefaultRecipient() string
}

// HealthChecker produces the health report
type HealthChecker interface {
	Check(ctx context.Context) health.HealthReport
}

// PipelineStatus exposes the alert pipeline state
type PipelineStatus interface {
	Busy() bool
	LastRun() (pipeline.Run, bool)
}

// Server represents the web server service
type Server struct {
	*service.ServiceBase
	config     *config.WebConfig
	logger     *logger.Logger
	httpServer *http.Server
	router     *gin.Engine
	routesOnce sync.Once

	camera   Camera
	live     *video.LiveStream
	images   ImageStore
	objects  ObjectStore
	analyzer Analyzer
	notifier Notifier
	health   HealthChecker
	pipeline PipelineStatus
	metrics  *metrics.Metrics

	version   string
	startTime time.Time

	mu         sync.Mutex
	addr       string
	stopStream context.CancelFunc
}

// NewServer creates a new web server service
func NewServer(cfg *config.WebConfig, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	return &Server{
		ServiceBase: service.NewServiceBase("web-server", log),
		config:      cfg,
		logger:      log,
		router:      router,
		version:     "dev",
		startTime:   time.Now(),
	}
}

// SetVersion sets the application version
func (s *Server) SetVersion(version string) {
	s.version = version
}

// SetCamera sets the camera session and its live stream. live may be nil.
func (s *Server) SetCamera(cam Camera, live *video.LiveStream) {
	s.camera = cam
	s.live = live
}

// SetStorage sets the image database and object store
func (s *Server) SetStorage(images ImageStore, objects ObjectStore) {
	s.images = images
	s.objects = objects
}

// SetAnalysis sets the label analyzer and notifier used by the ad hoc endpoints
func (s *Server) SetAnalysis(analyzer Analyzer, notifier Notifier) {
	s.analyzer = analyzer
	s.notifier = notifier
}

// SetHealth sets the health checker
func (s *Server) SetHealth(h HealthChecker) {
	s.health = h
}

// SetPipeline sets the alert pipeline reported by /api/status
func (s *Server) SetPipeline(p PipelineStatus) {
	s.pipeline = p
}

// SetMetrics sets the metrics served on /metrics
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Handler returns the router with all routes registered
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.setupRoutes)
	return s.router
}

// Addr returns the address the server listens on once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start starts the web server
func (s *Server) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.LogInfo("Web server is disabled")
		return nil
	}

	handler := s.Handler()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.GetStatus().SetError(err)
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	// WriteTimeout stays disabled for the MJPEG stream
	s.httpServer = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.stopStream = cancel
	s.mu.Unlock()

	if s.live != nil {
		go s.live.Run(streamCtx)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.LogError("Web server error", err, "address", ln.Addr().String())
		}
	}()

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Web server started", "address", ln.Addr().String())
	return nil
}

// Stop stops the web server
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.stopStream
	s.stopStream = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if s.httpServer == nil {
		return nil
	}

	s.LogInfo("Stopping web server")
	err := s.httpServer.Shutdown(ctx)
	s.GetStatus().SetStatus(service.StatusStopped)
	return err
}

// setupRoutes sets up all API routes
func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/status", s.handleStatus)

		cam := api.Group("/camera")
		{
			cam.GET("", s.handleGetFrame)
			cam.POST("", s.handleCameraControl)
			cam.GET("/stream", s.handleMJPEGStream)
		}

		api.POST("/analyze", s.handleAnalyze)
		api.POST("/notify", s.handleNotify)

		db := api.Group("/db")
		{
			db.POST("/cleanup", s.handleCleanup)
			db.GET("/image", s.handleListImages)
			db.GET("/image/:id", s.handleGetImage)
			db.GET("/image/:id/data", s.handleGetImageData)
		}
	}

	s.router.GET("/objects/:bucket/*key", s.handleGetObject)
	s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "Not found"})
	})
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// Query strings may carry presigned URL signatures and are not logged
		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware creates a CORS middleware for local network access
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// fail writes the error envelope used by every endpoint
func fail(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"success": false, "message": message})
}
