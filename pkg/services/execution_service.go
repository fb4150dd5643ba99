package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/probehound/probehound/pkg/database"
	"github.com/probehound/probehound/pkg/models"
)

// ExecutionService persists replay execution state. The in-memory
// registry in the replayer is the live view; this service is the durable
// record that survives restarts.
type ExecutionService struct {
	client *database.Client
	locks  *FlowLocks
}

// NewExecutionService creates a new ExecutionService.
func NewExecutionService(client *database.Client, locks *FlowLocks) *ExecutionService {
	if client == nil {
		panic("NewExecutionService: client must not be nil")
	}
	if locks == nil {
		panic("NewExecutionService: locks must not be nil")
	}
	return &ExecutionService{client: client, locks: locks}
}

type executionRow struct {
	ID         string     `db:"id"`
	FlowID     string     `db:"flow_id"`
	Mode       string     `db:"mode"`
	Status     string     `db:"status"`
	Total      int        `db:"total"`
	Done       int        `db:"done"`
	Failed     int        `db:"failed"`
	Error      string     `db:"error"`
	StartedAt  time.Time  `db:"started_at"`
	FinishedAt *time.Time `db:"finished_at"`
}

func (r *executionRow) toModel() *models.Execution {
	return &models.Execution{
		ID:         r.ID,
		FlowID:     r.FlowID,
		Mode:       models.ExecutionMode(r.Mode),
		Status:     models.ExecutionStatus(r.Status),
		Total:      r.Total,
		Done:       r.Done,
		Failed:     r.Failed,
		Error:      r.Error,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

// Create persists a new execution in running state.
func (s *ExecutionService) Create(ctx context.Context, flowID string, mode models.ExecutionMode, total int) (*models.Execution, error) {
	exec := &models.Execution{
		ID:        uuid.New().String(),
		FlowID:    flowID,
		Mode:      mode,
		Status:    models.ExecutionRunning,
		Total:     total,
		StartedAt: time.Now().UTC(),
	}

	s.locks.Lock(flowID)
	defer s.locks.Unlock(flowID)

	db := s.client.DB()
	query := db.Rebind(`INSERT INTO executions
		(id, flow_id, mode, status, total, done, failed, error, started_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, '', ?)`)
	err := withRetry(func() error {
		_, execErr := db.ExecContext(ctx, query,
			exec.ID, exec.FlowID, string(exec.Mode), string(exec.Status), exec.Total, exec.StartedAt)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	return exec, nil
}

// Get retrieves one execution.
func (s *ExecutionService) Get(ctx context.Context, executionID string) (*models.Execution, error) {
	db := s.client.DB()
	var row executionRow
	query := db.Rebind(`SELECT * FROM executions WHERE id = ?`)
	err := withRetry(func() error {
		return mapNoRows(db.GetContext(ctx, &row, query, executionID))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	return row.toModel(), nil
}

// UpdateProgress persists done/failed counters for a running execution.
func (s *ExecutionService) UpdateProgress(ctx context.Context, executionID string, done, failed int) error {
	db := s.client.DB()
	query := db.Rebind(`UPDATE executions SET done = ?, failed = ? WHERE id = ?`)
	err := withRetry(func() error {
		_, execErr := db.ExecContext(ctx, query, done, failed, executionID)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to update execution progress: %w", err)
	}
	return nil
}

// Finish moves an execution to a terminal state. Finishing an already
// terminal execution is a conflict.
func (s *ExecutionService) Finish(ctx context.Context, executionID string, status models.ExecutionStatus, done, failed int, errMsg string) error {
	if !status.Terminal() {
		return NewValidationError("status", fmt.Sprintf("%q is not a terminal status", status))
	}

	db := s.client.DB()
	query := db.Rebind(`UPDATE executions
		SET status = ?, done = ?, failed = ?, error = ?, finished_at = ?
		WHERE id = ? AND status = ?`)
	err := withRetry(func() error {
		res, execErr := db.ExecContext(ctx, query,
			string(status), done, failed, errMsg, time.Now().UTC(),
			executionID, string(models.ExecutionRunning))
		if execErr != nil {
			return execErr
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Either missing or already terminal; disambiguate.
			var exists int
			if getErr := db.GetContext(ctx, &exists,
				db.Rebind(`SELECT COUNT(*) FROM executions WHERE id = ?`), executionID); getErr != nil {
				return getErr
			}
			if exists == 0 {
				return ErrNotFound
			}
			return ErrConflict
		}
		return nil
	})
	if err != nil {
		if isDomainError(err) {
			return err
		}
		return fmt.Errorf("failed to finish execution: %w", err)
	}
	return nil
}

// ListByFlow returns the flow's executions, newest first.
func (s *ExecutionService) ListByFlow(ctx context.Context, flowID string) ([]*models.Execution, error) {
	db := s.client.DB()
	var rows []executionRow
	query := db.Rebind(`SELECT * FROM executions WHERE flow_id = ? ORDER BY started_at DESC, id DESC`)
	if err := withRetry(func() error {
		return db.SelectContext(ctx, &rows, query, flowID)
	}); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	out := make([]*models.Execution, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// ReconcileStale marks executions still recorded as running as failed.
// Called once at startup: a running row without a live process behind it
// is a crash leftover.
func (s *ExecutionService) ReconcileStale(ctx context.Context) (int64, error) {
	db := s.client.DB()
	var reconciled int64
	query := db.Rebind(`UPDATE executions
		SET status = ?, error = ?, finished_at = ?
		WHERE status = ?`)
	err := withRetry(func() error {
		res, execErr := db.ExecContext(ctx, query,
			string(models.ExecutionFailed), "process restarted while execution was running",
			time.Now().UTC(), string(models.ExecutionRunning))
		if execErr != nil {
			return execErr
		}
		reconciled, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile stale executions: %w", err)
	}
	return reconciled, nil
}

// DeleteFinishedBefore removes finished executions older than the cutoff;
// their responses cascade.
func (s *ExecutionService) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	db := s.client.DB()
	var deleted int64
	query := db.Rebind(`DELETE FROM executions WHERE finished_at IS NOT NULL AND finished_at < ?`)
	err := withRetry(func() error {
		res, execErr := db.ExecContext(ctx, query, cutoff)
		if execErr != nil {
			return execErr
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old executions: %w", err)
	}
	return deleted, nil
}
