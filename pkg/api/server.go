// Package api exposes the control plane: flows, recording, payload
// generation, replay, analysis, and reports over HTTP/JSON.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/probehound/probehound/pkg/analyzer"
	"github.com/probehound/probehound/pkg/config"
	"github.com/probehound/probehound/pkg/database"
	"github.com/probehound/probehound/pkg/events"
	"github.com/probehound/probehound/pkg/mutator"
	"github.com/probehound/probehound/pkg/recorder"
	"github.com/probehound/probehound/pkg/replayer"
	"github.com/probehound/probehound/pkg/reports"
	"github.com/probehound/probehound/pkg/services"
	"github.com/probehound/probehound/pkg/version"
)

// Server is the HTTP API server.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	cfg        *config.Config

	dbClient   *database.Client
	flows      *services.FlowService
	requests   *services.RequestService
	testCases  *services.TestCaseService
	anomalies  *services.AnomalyService
	executions *services.ExecutionService

	recorder        *recorder.Recorder
	generator       *mutator.Generator
	mutationRules   *mutator.Registry
	detectionRules  *analyzer.Registry
	thresholds      *analyzer.Thresholds
	engine          *replayer.Engine
	reporter        *reports.Reporter
	connManager     *events.ConnectionManager
	startedAt       time.Time
}

// Deps bundles everything the server delegates to.
type Deps struct {
	Config         *config.Config
	DBClient       *database.Client
	Flows          *services.FlowService
	Requests       *services.RequestService
	TestCases      *services.TestCaseService
	Anomalies      *services.AnomalyService
	Executions     *services.ExecutionService
	Recorder       *recorder.Recorder
	Generator      *mutator.Generator
	MutationRules  *mutator.Registry
	DetectionRules *analyzer.Registry
	Thresholds     *analyzer.Thresholds
	Engine         *replayer.Engine
	Reporter       *reports.Reporter
	ConnManager    *events.ConnectionManager // nil disables /ws
}

// NewServer creates the API server and registers all routes.
func NewServer(deps Deps) *Server {
	e := echo.New()

	s := &Server{
		echo:           e,
		cfg:            deps.Config,
		dbClient:       deps.DBClient,
		flows:          deps.Flows,
		requests:       deps.Requests,
		testCases:      deps.TestCases,
		anomalies:      deps.Anomalies,
		executions:     deps.Executions,
		recorder:       deps.Recorder,
		generator:      deps.Generator,
		mutationRules:  deps.MutationRules,
		detectionRules: deps.DetectionRules,
		thresholds:     deps.Thresholds,
		engine:         deps.Engine,
		reporter:       deps.Reporter,
		connManager:    deps.ConnManager,
		startedAt:      time.Now().UTC(),
	}

	e.HTTPErrorHandler = s.errorHandler
	s.setupRoutes()
	return s
}

// setupRoutes registers middleware and all API routes.
func (s *Server) setupRoutes() {
	s.echo.Use(requestIDMiddleware())
	s.echo.Use(securityHeaders())
	s.echo.Use(middleware.BodyLimit(int(s.cfg.Server.MaxBodyBytes)))
	if len(s.cfg.Server.CORSAllowedOrigins) > 0 {
		s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.cfg.Server.CORSAllowedOrigins,
		}))
	}

	s.echo.GET("/health", s.healthHandler)

	// Flows.
	s.echo.POST("/flows", s.createFlowHandler)
	s.echo.GET("/flows", s.listFlowsHandler)
	s.echo.GET("/flows/:id", s.getFlowHandler)
	s.echo.PUT("/flows/:id", s.updateFlowHandler)
	s.echo.DELETE("/flows/:id", s.deleteFlowHandler)
	s.echo.POST("/flows/:id/select", s.selectFlowHandler)
	s.echo.GET("/flows/:id/requests", s.listFlowRequestsHandler)
	s.echo.GET("/flows/:id/testcases", s.listFlowTestCasesHandler)

	// Recording.
	s.echo.GET("/recording/status", s.recordingStatusHandler)
	s.echo.POST("/recording/start", s.recordingStartHandler)
	s.echo.POST("/recording/stop", s.recordingStopHandler)
	s.echo.POST("/recording/request", s.recordingRequestHandler)
	s.echo.POST("/recording/import", s.recordingImportHandler)

	// Payload (test case) generation and the mutation rule catalog.
	s.echo.POST("/payloads/generate/request/:id", s.generateForRequestHandler)
	s.echo.POST("/payloads/generate/flow/:id", s.generateForFlowHandler)
	s.echo.GET("/payloads/rules", s.getMutationRulesHandler)
	s.echo.PUT("/payloads/rules", s.putMutationRulesHandler)

	// Replay.
	s.echo.POST("/replay/flow/:id", s.replayFlowHandler)
	s.echo.POST("/replay/testcase/:id", s.replayTestCaseHandler)
	s.echo.GET("/replay/status/:execution_id", s.replayStatusHandler)
	s.echo.POST("/replay/stop/:execution_id", s.replayStopHandler)

	// Analysis.
	s.echo.POST("/analysis/flow/:id", s.analyzeFlowHandler)
	s.echo.GET("/analysis/anomalies/:flow_id", s.listAnomaliesHandler)
	s.echo.GET("/analysis/anomaly/:id", s.getAnomalyHandler)
	s.echo.PUT("/analysis/anomaly/:id", s.updateAnomalyHandler)
	s.echo.GET("/analysis/rules", s.getDetectionRulesHandler)
	s.echo.PUT("/analysis/rules", s.putDetectionRulesHandler)
	s.echo.GET("/analysis/threshold", s.getThresholdHandler)
	s.echo.POST("/analysis/threshold", s.setThresholdHandler)

	// Reports.
	s.echo.GET("/reports/summary/:id", s.reportSummaryHandler)
	s.echo.GET("/reports/html/:id", s.reportHTMLHandler)
	s.echo.GET("/reports/json/:id", s.reportJSONHandler)
	s.echo.GET("/reports/executive/:id", s.reportExecutiveHandler)
	s.echo.GET("/reports/analytics/:id", s.reportAnalyticsHandler)

	// System.
	s.echo.GET("/system/status", s.systemStatusHandler)
	s.echo.GET("/system/config", s.systemConfigHandler)

	// Execution progress stream.
	s.echo.GET("/ws", s.wsHandler)
}

// Start starts the HTTP server (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.echo,
	}
	return s.httpServer.ListenAndServe()
}

// StartWithListener serves on a pre-created listener. Used by tests to
// bind a random port.
func (s *Server) StartWithListener(ln net.Listener) error {
	s.httpServer = &http.Server{Handler: s.echo}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Version  string                 `json:"version"`
	Database *database.HealthStatus `json:"database"`
}

// healthHandler handles GET /health.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := s.dbClient.Health(reqCtx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, &HealthResponse{
			Status:   "unhealthy",
			Version:  version.Full(),
			Database: dbHealth,
		})
	}
	return c.JSON(http.StatusOK, &HealthResponse{
		Status:   "healthy",
		Version:  version.Full(),
		Database: dbHealth,
	})
}
