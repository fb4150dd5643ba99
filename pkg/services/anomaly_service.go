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

// AnomalyService manages detected anomalies and their triage state.
type AnomalyService struct {
	client *database.Client
	locks  *FlowLocks
}

// NewAnomalyService creates a new AnomalyService.
func NewAnomalyService(client *database.Client, locks *FlowLocks) *AnomalyService {
	if client == nil {
		panic("NewAnomalyService: client must not be nil")
	}
	if locks == nil {
		panic("NewAnomalyService: locks must not be nil")
	}
	return &AnomalyService{client: client, locks: locks}
}

type anomalyRow struct {
	ID                       string    `db:"id"`
	FlowID                   string    `db:"flow_id"`
	TestCaseID               string    `db:"test_case_id"`
	Type                     string    `db:"type"`
	Severity                 string    `db:"severity"`
	Confidence               float64   `db:"confidence"`
	IsPotentialVulnerability bool      `db:"is_potential_vulnerability"`
	VulnerabilityType        string    `db:"vulnerability_type"`
	OriginalStatus           *int      `db:"original_status"`
	ReplayedStatus           *int      `db:"replayed_status"`
	OriginalContentLength    int64     `db:"original_content_length"`
	ReplayedContentLength    int64     `db:"replayed_content_length"`
	Description              string    `db:"description"`
	Status                   string    `db:"status"`
	CatalogVersion           string    `db:"catalog_version"`
	CreatedAt                time.Time `db:"created_at"`
}

func (r *anomalyRow) toModel() *models.Anomaly {
	return &models.Anomaly{
		ID:                       r.ID,
		FlowID:                   r.FlowID,
		TestCaseID:               r.TestCaseID,
		Type:                     models.AnomalyType(r.Type),
		Severity:                 models.Severity(r.Severity),
		Confidence:               r.Confidence,
		IsPotentialVulnerability: r.IsPotentialVulnerability,
		VulnerabilityType:        r.VulnerabilityType,
		OriginalStatus:           r.OriginalStatus,
		ReplayedStatus:           r.ReplayedStatus,
		OriginalContentLength:    r.OriginalContentLength,
		ReplayedContentLength:    r.ReplayedContentLength,
		Description:              r.Description,
		Status:                   models.AnomalyStatus(r.Status),
		CatalogVersion:           r.CatalogVersion,
		CreatedAt:                r.CreatedAt,
	}
}

func insertAnomaly(ctx context.Context, tx *sqlx.Tx, a *models.Anomaly) error {
	if a.Confidence < 0 || a.Confidence > 1 {
		return NewValidationError("confidence", "must be within [0,1]")
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = models.AnomalyStatusNew
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO anomalies
		(id, flow_id, test_case_id, type, severity, confidence,
		 is_potential_vulnerability, vulnerability_type, original_status,
		 replayed_status, original_content_length, replayed_content_length,
		 description, status, catalog_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.FlowID, a.TestCaseID, string(a.Type), string(a.Severity), a.Confidence,
		a.IsPotentialVulnerability, a.VulnerabilityType, a.OriginalStatus,
		a.ReplayedStatus, a.OriginalContentLength, a.ReplayedContentLength,
		a.Description, string(a.Status), a.CatalogVersion, a.CreatedAt)
	return err
}

// Create writes a standalone anomaly (outside the replay commit path).
func (s *AnomalyService) Create(ctx context.Context, a *models.Anomaly) (*models.Anomaly, error) {
	s.locks.Lock(a.FlowID)
	defer s.locks.Unlock(a.FlowID)

	db := s.client.DB()
	err := withRetry(func() error {
		tx, txErr := db.BeginTxx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()
		if txErr = insertAnomaly(ctx, tx, a); txErr != nil {
			return txErr
		}
		return tx.Commit()
	})
	if err != nil {
		if isDomainError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create anomaly: %w", err)
	}
	return a, nil
}

// GetAnomaly retrieves one anomaly.
func (s *AnomalyService) GetAnomaly(ctx context.Context, anomalyID string) (*models.Anomaly, error) {
	db := s.client.DB()
	var row anomalyRow
	query := db.Rebind(`SELECT * FROM anomalies WHERE id = ?`)
	err := withRetry(func() error {
		return mapNoRows(db.GetContext(ctx, &row, query, anomalyID))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get anomaly: %w", err)
	}
	return row.toModel(), nil
}

// AnomalyFilters narrows ListByFlow.
type AnomalyFilters struct {
	Severity models.Severity
	Type     models.AnomalyType
	Status   models.AnomalyStatus
}

// ListByFlow returns a page of the flow's anomalies, newest first.
func (s *AnomalyService) ListByFlow(ctx context.Context, flowID string, filters AnomalyFilters, params models.ListParams) (*models.AnomalyList, error) {
	params.Normalize()
	db := s.client.DB()

	where := " WHERE flow_id = ?"
	args := []any{flowID}
	if filters.Severity != "" {
		where += " AND severity = ?"
		args = append(args, string(filters.Severity))
	}
	if filters.Type != "" {
		where += " AND type = ?"
		args = append(args, string(filters.Type))
	}
	if filters.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filters.Status))
	}
	if params.Search != "" {
		where += " AND description LIKE ?"
		args = append(args, "%"+params.Search+"%")
	}

	var total int
	if err := withRetry(func() error {
		return db.GetContext(ctx, &total, db.Rebind("SELECT COUNT(*) FROM anomalies"+where), args...)
	}); err != nil {
		return nil, fmt.Errorf("failed to count anomalies: %w", err)
	}

	listArgs := append(args, params.PerPage, params.Offset())
	var rows []anomalyRow
	if err := withRetry(func() error {
		return db.SelectContext(ctx, &rows,
			db.Rebind("SELECT * FROM anomalies"+where+" ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"),
			listArgs...)
	}); err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}

	anomalies := make([]*models.Anomaly, 0, len(rows))
	for i := range rows {
		anomalies = append(anomalies, rows[i].toModel())
	}
	return &models.AnomalyList{Anomalies: anomalies, Total: total}, nil
}

// AllByFlow returns every anomaly of the flow, unpaginated, for the
// aggregator and report builders.
func (s *AnomalyService) AllByFlow(ctx context.Context, flowID string) ([]*models.Anomaly, error) {
	db := s.client.DB()
	var rows []anomalyRow
	query := db.Rebind(`SELECT * FROM anomalies WHERE flow_id = ? ORDER BY created_at ASC, id ASC`)
	if err := withRetry(func() error {
		return db.SelectContext(ctx, &rows, query, flowID)
	}); err != nil {
		return nil, fmt.Errorf("failed to load flow anomalies: %w", err)
	}
	anomalies := make([]*models.Anomaly, 0, len(rows))
	for i := range rows {
		anomalies = append(anomalies, rows[i].toModel())
	}
	return anomalies, nil
}

// DeleteNewByFlow removes the flow's untriaged anomalies. Re-analysis
// uses it so regenerated findings don't pile up on top of stale ones;
// confirmed and false-positive verdicts survive.
func (s *AnomalyService) DeleteNewByFlow(ctx context.Context, flowID string) (int64, error) {
	s.locks.Lock(flowID)
	defer s.locks.Unlock(flowID)

	db := s.client.DB()
	var deleted int64
	query := db.Rebind(`DELETE FROM anomalies WHERE flow_id = ? AND status = ?`)
	err := withRetry(func() error {
		res, execErr := db.ExecContext(ctx, query, flowID, string(models.AnomalyStatusNew))
		if execErr != nil {
			return execErr
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete untriaged anomalies: %w", err)
	}
	return deleted, nil
}

// UpdateStatus moves an anomaly through triage (new → confirmed /
// false_positive).
func (s *AnomalyService) UpdateStatus(ctx context.Context, anomalyID string, status models.AnomalyStatus) (*models.Anomaly, error) {
	if !models.ValidAnomalyStatus(status) {
		return nil, NewValidationError("status", fmt.Sprintf("unknown status %q", status))
	}

	db := s.client.DB()
	query := db.Rebind(`UPDATE anomalies SET status = ? WHERE id = ?`)
	err := withRetry(func() error {
		res, execErr := db.ExecContext(ctx, query, string(status), anomalyID)
		if execErr != nil {
			return execErr
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update anomaly status: %w", err)
	}
	return s.GetAnomaly(ctx, anomalyID)
}
