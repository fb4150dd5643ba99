package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/probehound/probehound/pkg/database"
	"github.com/probehound/probehound/pkg/models"
)

// FlowService manages flow lifecycle. A flow owns every other entity;
// deleting one cascades through requests, test cases, responses,
// executions, and anomalies.
type FlowService struct {
	client *database.Client
	locks  *FlowLocks
}

// NewFlowService creates a new FlowService.
func NewFlowService(client *database.Client, locks *FlowLocks) *FlowService {
	if client == nil {
		panic("NewFlowService: client must not be nil")
	}
	if locks == nil {
		panic("NewFlowService: locks must not be nil")
	}
	return &FlowService{client: client, locks: locks}
}

type flowRow struct {
	ID                  string    `db:"id"`
	Name                string    `db:"name"`
	Description         string    `db:"description"`
	TargetDomain        string    `db:"target_domain"`
	IdentityPool        string    `db:"identity_pool"`
	ConfidenceThreshold *float64  `db:"confidence_threshold"`
	CreatedAt           time.Time `db:"created_at"`
	UpdatedAt           time.Time `db:"updated_at"`
}

func (r *flowRow) toModel() (*models.Flow, error) {
	f := &models.Flow{
		ID:                  r.ID,
		Name:                r.Name,
		Description:         r.Description,
		TargetDomain:        r.TargetDomain,
		ConfidenceThreshold: r.ConfidenceThreshold,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.IdentityPool != "" {
		if err := json.Unmarshal([]byte(r.IdentityPool), &f.IdentityPool); err != nil {
			return nil, fmt.Errorf("failed to decode identity pool for flow %s: %w", r.ID, err)
		}
	}
	return f, nil
}

// CreateFlowInput is the domain-level input for flow creation.
type CreateFlowInput struct {
	Name         string
	Description  string
	TargetDomain string
	IdentityPool []models.Identity
}

// CreateFlow creates a new flow.
func (s *FlowService) CreateFlow(ctx context.Context, input CreateFlowInput) (*models.Flow, error) {
	if input.Name == "" {
		return nil, NewValidationError("name", "required")
	}

	pool := input.IdentityPool
	if pool == nil {
		pool = []models.Identity{}
	}
	poolJSON, err := json.Marshal(pool)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal identity pool: %w", err)
	}

	now := time.Now().UTC()
	flow := &models.Flow{
		ID:           uuid.New().String(),
		Name:         input.Name,
		Description:  input.Description,
		TargetDomain: input.TargetDomain,
		IdentityPool: pool,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	db := s.client.DB()
	query := db.Rebind(`INSERT INTO flows
		(id, name, description, target_domain, identity_pool, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	err = withRetry(func() error {
		_, execErr := db.ExecContext(ctx, query,
			flow.ID, flow.Name, flow.Description, flow.TargetDomain, string(poolJSON), now, now)
		return execErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create flow: %w", err)
	}
	return flow, nil
}

// GetFlow retrieves a flow by ID.
func (s *FlowService) GetFlow(ctx context.Context, flowID string) (*models.Flow, error) {
	db := s.client.DB()
	var row flowRow
	query := db.Rebind(`SELECT * FROM flows WHERE id = ?`)
	err := withRetry(func() error {
		return mapNoRows(db.GetContext(ctx, &row, query, flowID))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get flow: %w", err)
	}
	return row.toModel()
}

// ListFlows returns a page of flows, optionally filtered by a substring
// search over name and target domain.
func (s *FlowService) ListFlows(ctx context.Context, params models.ListParams) (*models.FlowList, error) {
	params.Normalize()

	where := ""
	args := []any{}
	if params.Search != "" {
		where = " WHERE name LIKE ? OR target_domain LIKE ?"
		pattern := "%" + params.Search + "%"
		args = append(args, pattern, pattern)
	}

	sortCol := "created_at"
	switch params.SortBy {
	case "", "created_at":
	case "name", "updated_at":
		sortCol = params.SortBy
	default:
		return nil, NewValidationError("sort_by", "must be created_at, updated_at, or name")
	}
	order := strings.ToUpper(params.SortOrder)

	db := s.client.DB()

	var total int
	countQuery := db.Rebind("SELECT COUNT(*) FROM flows" + where)
	if err := withRetry(func() error {
		return db.GetContext(ctx, &total, countQuery, args...)
	}); err != nil {
		return nil, fmt.Errorf("failed to count flows: %w", err)
	}

	listQuery := db.Rebind(fmt.Sprintf(
		"SELECT * FROM flows%s ORDER BY %s %s LIMIT ? OFFSET ?", where, sortCol, order))
	listArgs := append(args, params.PerPage, params.Offset())

	var rows []flowRow
	if err := withRetry(func() error {
		return db.SelectContext(ctx, &rows, listQuery, listArgs...)
	}); err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	flows := make([]*models.Flow, 0, len(rows))
	for i := range rows {
		f, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return &models.FlowList{Flows: flows, Total: total}, nil
}

// UpdateFlowInput carries optional field updates; nil leaves a field
// untouched.
type UpdateFlowInput struct {
	Name                *string
	Description         *string
	TargetDomain        *string
	IdentityPool        []models.Identity
	ConfidenceThreshold *float64
}

// UpdateFlow applies a partial update and returns the updated flow.
func (s *FlowService) UpdateFlow(ctx context.Context, flowID string, input UpdateFlowInput) (*models.Flow, error) {
	if input.Name != nil && *input.Name == "" {
		return nil, NewValidationError("name", "cannot be empty")
	}
	if input.ConfidenceThreshold != nil &&
		(*input.ConfidenceThreshold < 0 || *input.ConfidenceThreshold > 1) {
		return nil, NewValidationError("confidence_threshold", "must be within [0,1]")
	}

	s.locks.Lock(flowID)
	defer s.locks.Unlock(flowID)

	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if input.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *input.Name)
	}
	if input.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *input.Description)
	}
	if input.TargetDomain != nil {
		sets = append(sets, "target_domain = ?")
		args = append(args, *input.TargetDomain)
	}
	if input.IdentityPool != nil {
		poolJSON, err := json.Marshal(input.IdentityPool)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal identity pool: %w", err)
		}
		sets = append(sets, "identity_pool = ?")
		args = append(args, string(poolJSON))
	}
	if input.ConfidenceThreshold != nil {
		sets = append(sets, "confidence_threshold = ?")
		args = append(args, *input.ConfidenceThreshold)
	}
	args = append(args, flowID)

	db := s.client.DB()
	query := db.Rebind("UPDATE flows SET " + strings.Join(sets, ", ") + " WHERE id = ?")
	err := withRetry(func() error {
		res, execErr := db.ExecContext(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update flow: %w", err)
	}

	return s.GetFlow(ctx, flowID)
}

// DeleteFlow removes the flow and everything it owns. Child rows are
// removed by foreign-key cascade.
func (s *FlowService) DeleteFlow(ctx context.Context, flowID string) error {
	s.locks.Lock(flowID)
	defer s.locks.Unlock(flowID)

	db := s.client.DB()
	query := db.Rebind(`DELETE FROM flows WHERE id = ?`)
	err := withRetry(func() error {
		res, execErr := db.ExecContext(ctx, query, flowID)
		if execErr != nil {
			return execErr
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint violation
// on either engine.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
