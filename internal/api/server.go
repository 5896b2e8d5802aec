package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"smartpark-worker-go/internal/api/handlers"
	"smartpark-worker-go/internal/config"
)

// Dependencies are the components the API reads and steers. Optional ones may be nil.
type Dependencies struct {
	Pipeline  handlers.Pipeline
	Threshold handlers.ThresholdTuner
	Object    handlers.ObjectTuner
	Tracker   handlers.PerformanceReporter
	Snapshots handlers.Snapshotter
	Stream    handlers.FrameStreamer
	Capture   handlers.CaptureReporter
	Sinks     map[string]handlers.ConnectionChecker
	Registry  *prometheus.Registry
}

type Server struct {
	config   *config.Config
	router   *gin.Engine
	server   *http.Server
	registry *prometheus.Registry
	logger   zerolog.Logger

	// baseCtx parents every request context so Stop can end long-lived streams
	baseCtx    context.Context
	cancelBase context.CancelFunc

	healthHandler    *handlers.HealthHandler
	detectionHandler *handlers.DetectionHandler
	tuningHandler    *handlers.TuningHandler
	frameHandler     *handlers.FrameHandler
	systemHandler    *handlers.SystemHandler
}

func NewServer(cfg *config.Config, deps Dependencies, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	return &Server{
		config:           cfg,
		router:           router,
		registry:         deps.Registry,
		logger:           logger,
		healthHandler:    handlers.NewHealthHandler(cfg.WorkerID, cfg.HardwareCode, cfg.Version, deps.Pipeline, deps.Sinks),
		detectionHandler: handlers.NewDetectionHandler(deps.Pipeline),
		tuningHandler:    handlers.NewTuningHandler(deps.Pipeline, deps.Threshold, deps.Object),
		frameHandler:     handlers.NewFrameHandler(deps.Pipeline, deps.Snapshots, deps.Stream, cfg.DebugFrameTTL, cfg.SnapshotQuality),
		systemHandler:    handlers.NewSystemHandler(cfg.WorkerID, deps.Pipeline, deps.Tracker, deps.Capture),
	}
}

func (s *Server) Setup() error {
	s.setupMiddleware()

	s.setupRoutes()

	s.setupSwagger()

	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	return nil
}

// Start blocks serving requests. A graceful Stop is not reported as an error.
func (s *Server) Start() error {
	s.logger.Info().Int("port", s.config.Port).Msg("Starting SmartPark worker API")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping SmartPark worker API")
	if s.server == nil {
		return nil
	}
	s.cancelBase()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}
