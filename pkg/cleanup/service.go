// Package cleanup enforces data retention: finished executions (and the
// responses they own) are deleted once they age past the configured
// retention window. All operations are idempotent.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/probehound/probehound/pkg/config"
	"github.com/probehound/probehound/pkg/services"
)

// Service runs the periodic retention loop.
type Service struct {
	config     *config.RetentionConfig
	executions *services.ExecutionService
	responses  *services.ResponseService

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a cleanup service.
func NewService(cfg *config.RetentionConfig, executions *services.ExecutionService, responses *services.ResponseService) *Service {
	return &Service{
		config:     cfg,
		executions: executions,
		responses:  responses,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"report_retention_days", s.config.ReportRetentionDays,
		"interval", s.config.CleanupInterval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runOnce(ctx)

	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

// RunOnce applies retention immediately. Exposed for startup and tests.
func (s *Service) RunOnce(ctx context.Context) {
	s.runOnce(ctx)
}

func (s *Service) runOnce(_ context.Context) {
	ctx := context.Background()
	cutoff := time.Now().UTC().AddDate(0, 0, -s.config.ReportRetentionDays)

	// Responses first: this trims old responses of finished executions
	// that are themselves still retained; responses of the executions
	// deleted below go with them by cascade.
	if count, err := s.responses.DeleteOlderThan(ctx, cutoff); err != nil {
		slog.Error("Retention: response cleanup failed", "error", err)
	} else if count > 0 {
		slog.Info("Retention: deleted old responses", "count", count)
	}

	if count, err := s.executions.DeleteFinishedBefore(ctx, cutoff); err != nil {
		slog.Error("Retention: execution cleanup failed", "error", err)
	} else if count > 0 {
		slog.Info("Retention: deleted old executions", "count", count)
	}
}
