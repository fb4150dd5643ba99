package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/probehound/probehound/pkg/database"
	"github.com/probehound/probehound/pkg/models"
)

// ResponseService manages observed responses and the transactional commit
// used by the replayer: a (response, optional anomaly) pair is written
// atomically, so a reader that observes the mutant response is guaranteed
// to eventually observe its anomaly.
type ResponseService struct {
	client *database.Client
	locks  *FlowLocks
}

// NewResponseService creates a new ResponseService.
func NewResponseService(client *database.Client, locks *FlowLocks) *ResponseService {
	if client == nil {
		panic("NewResponseService: client must not be nil")
	}
	if locks == nil {
		panic("NewResponseService: locks must not be nil")
	}
	return &ResponseService{client: client, locks: locks}
}

type responseRow struct {
	ID             string     `db:"id"`
	FlowID         string     `db:"flow_id"`
	OwnerKind      string     `db:"owner_kind"`
	OwnerID        string     `db:"owner_id"`
	ExecutionID    string     `db:"execution_id"`
	Status         *int       `db:"status"`
	Headers        string     `db:"headers"`
	Body           []byte     `db:"body"`
	ContentLength  int64      `db:"content_length"`
	ResponseTimeMS int64      `db:"response_time_ms"`
	ErrorKind      *string    `db:"error_kind"`
	CapturedAt     time.Time  `db:"captured_at"`
}

func (r *responseRow) toModel() (*models.Response, error) {
	resp := &models.Response{
		ID:             r.ID,
		FlowID:         r.FlowID,
		OwnerKind:      models.OwnerKind(r.OwnerKind),
		OwnerID:        r.OwnerID,
		ExecutionID:    r.ExecutionID,
		Status:         r.Status,
		Body:           r.Body,
		ContentLength:  r.ContentLength,
		ResponseTimeMS: r.ResponseTimeMS,
		CapturedAt:     r.CapturedAt,
	}
	if r.ErrorKind != nil {
		resp.ErrorKind = models.ErrorKind(*r.ErrorKind)
	}
	var err error
	if resp.Headers, err = decodeHeaders(r.Headers); err != nil {
		return nil, fmt.Errorf("failed to decode headers for response %s: %w", r.ID, err)
	}
	return resp, nil
}

func validateResponse(resp *models.Response) error {
	if resp.OwnerKind != models.OwnerBaseline && resp.OwnerKind != models.OwnerMutant {
		return NewValidationError("owner_kind", "must be baseline or mutant")
	}
	if resp.OwnerID == "" {
		return NewValidationError("owner_id", "required")
	}
	if resp.ExecutionID == "" {
		return NewValidationError("execution_id", "required")
	}
	if resp.ErrorKind == models.ErrorKindNone {
		if resp.Status == nil {
			return NewValidationError("status", "required unless error_kind is set")
		}
		if *resp.Status < 100 || *resp.Status > 599 {
			return NewValidationError("status", "must be within [100,599]")
		}
	} else if resp.Status != nil {
		return NewValidationError("status", "must be null when error_kind is set")
	}
	return nil
}

func insertResponse(ctx context.Context, tx *sqlx.Tx, resp *models.Response) error {
	headersJSON, err := encodeHeaders(resp.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal response headers: %w", err)
	}
	var errorKind *string
	if resp.ErrorKind != models.ErrorKindNone {
		v := string(resp.ErrorKind)
		errorKind = &v
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO responses
		(id, flow_id, owner_kind, owner_id, execution_id, status, headers,
		 body, content_length, response_time_ms, error_kind, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		resp.ID, resp.FlowID, string(resp.OwnerKind), resp.OwnerID, resp.ExecutionID,
		resp.Status, headersJSON, resp.Body, resp.ContentLength,
		resp.ResponseTimeMS, errorKind, resp.CapturedAt)
	return err
}

// Commit writes a single response.
func (s *ResponseService) Commit(ctx context.Context, resp *models.Response) (*models.Response, error) {
	return s.CommitReplayResult(ctx, resp, nil)
}

// CommitReplayResult writes a response and, when the analyzer produced
// any, its anomalies, in one transaction.
func (s *ResponseService) CommitReplayResult(ctx context.Context, resp *models.Response, anomalies []*models.Anomaly) (*models.Response, error) {
	if err := validateResponse(resp); err != nil {
		return nil, err
	}
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	if resp.CapturedAt.IsZero() {
		resp.CapturedAt = time.Now().UTC()
	}

	s.locks.Lock(resp.FlowID)
	defer s.locks.Unlock(resp.FlowID)

	db := s.client.DB()
	err := withRetry(func() error {
		tx, txErr := db.BeginTxx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		if txErr = insertResponse(ctx, tx, resp); txErr != nil {
			if isUniqueViolation(txErr) {
				// Idempotent re-commit of the same response ID.
				return nil
			}
			return txErr
		}
		for _, anomaly := range anomalies {
			if txErr = insertAnomaly(ctx, tx, anomaly); txErr != nil {
				return txErr
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit replay result: %w", err)
	}
	return resp, nil
}

// Latest returns the most recent response for (owner, execution), the
// authoritative one for analysis.
func (s *ResponseService) Latest(ctx context.Context, kind models.OwnerKind, ownerID, executionID string) (*models.Response, error) {
	db := s.client.DB()
	var row responseRow
	query := db.Rebind(`SELECT * FROM responses
		WHERE owner_kind = ? AND owner_id = ? AND execution_id = ?
		ORDER BY captured_at DESC, id DESC LIMIT 1`)
	err := withRetry(func() error {
		return mapNoRows(db.GetContext(ctx, &row, query, string(kind), ownerID, executionID))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get latest response: %w", err)
	}
	return row.toModel()
}

// ListByExecution returns every response committed under an execution in
// capture order.
func (s *ResponseService) ListByExecution(ctx context.Context, executionID string) ([]*models.Response, error) {
	db := s.client.DB()
	var rows []responseRow
	query := db.Rebind(`SELECT * FROM responses WHERE execution_id = ? ORDER BY captured_at ASC, id ASC`)
	if err := withRetry(func() error {
		return db.SelectContext(ctx, &rows, query, executionID)
	}); err != nil {
		return nil, fmt.Errorf("failed to list responses: %w", err)
	}
	out := make([]*models.Response, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// DeleteOlderThan removes responses captured before the cutoff whose
// execution already finished. The cleanup loop uses it for retention.
func (s *ResponseService) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	db := s.client.DB()
	var deleted int64
	query := db.Rebind(`DELETE FROM responses
		WHERE captured_at < ?
		AND execution_id IN (SELECT id FROM executions WHERE finished_at IS NOT NULL)`)
	err := withRetry(func() error {
		res, execErr := db.ExecContext(ctx, query, cutoff)
		if execErr != nil {
			return execErr
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old responses: %w", err)
	}
	return deleted, nil
}
