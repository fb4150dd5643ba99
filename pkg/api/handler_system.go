package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/probehound/probehound/pkg/database"
	"github.com/probehound/probehound/pkg/version"
)

// SystemStatus is returned by GET /system/status.
type SystemStatus struct {
	Version           string                 `json:"version"`
	UptimeSeconds     int64                  `json:"uptime_seconds"`
	Database          *database.HealthStatus `json:"database"`
	RunningExecutions int                    `json:"running_executions"`
	Recording         bool                   `json:"recording"`
	WSConnections     int                    `json:"ws_connections"`
}

// systemStatusHandler handles GET /system/status.
func (s *Server) systemStatusHandler(c *echo.Context) error {
	dbHealth, _ := s.dbClient.Health(c.Request().Context())

	status := &SystemStatus{
		Version:           version.Full(),
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		Database:          dbHealth,
		RunningExecutions: s.engine.Registry().Running(),
		Recording:         s.recorder.Status().Recording,
	}
	if s.connManager != nil {
		status.WSConnections = s.connManager.ActiveConnections()
	}
	return respond(c, http.StatusOK, status)
}

// SystemConfig is the redacted runtime configuration view.
type SystemConfig struct {
	ListenAddr                 string   `json:"listen_addr"`
	DatabaseDialect            string   `json:"database_dialect"`
	MaxConcurrentRequests      int      `json:"max_concurrent_requests"`
	DefaultRateLimitRPS        float64  `json:"default_rate_limit_rps"`
	RequestTimeoutSeconds      float64  `json:"request_timeout_s"`
	RetryAttempts              int      `json:"retry_attempts"`
	FailureThresholdPct        float64  `json:"failure_threshold_pct"`
	ConfidenceThresholdDefault float64  `json:"confidence_threshold_default"`
	MaxBodyBytes               int64    `json:"max_body_bytes"`
	ReportRetentionDays        int      `json:"report_retention_days"`
	CORSAllowedOrigins         []string `json:"cors_allowed_origins,omitempty"`
}

// systemConfigHandler handles GET /system/config. The database URL is
// withheld: it may carry credentials.
func (s *Server) systemConfigHandler(c *echo.Context) error {
	return respond(c, http.StatusOK, &SystemConfig{
		ListenAddr:                 s.cfg.Server.ListenAddr,
		DatabaseDialect:            s.dbClient.Dialect(),
		MaxConcurrentRequests:      s.cfg.Replay.MaxConcurrentRequests,
		DefaultRateLimitRPS:        s.cfg.Replay.DefaultRateLimitRPS,
		RequestTimeoutSeconds:      s.cfg.Replay.RequestTimeout.Seconds(),
		RetryAttempts:              s.cfg.Replay.RetryAttempts,
		FailureThresholdPct:        s.cfg.Replay.FailureThresholdPct,
		ConfidenceThresholdDefault: s.thresholds.Default(),
		MaxBodyBytes:               s.cfg.Server.MaxBodyBytes,
		ReportRetentionDays:        s.cfg.Retention.ReportRetentionDays,
		CORSAllowedOrigins:         s.cfg.Server.CORSAllowedOrigins,
	})
}
