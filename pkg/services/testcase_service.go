package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/probehound/probehound/pkg/database"
	"github.com/probehound/probehound/pkg/models"
)

// TestCaseService manages derived test cases. Creation is idempotent on
// the mutation record: re-generating an identical mutation for the same
// request returns the existing test case instead of inserting a twin.
type TestCaseService struct {
	client *database.Client
	locks  *FlowLocks
}

// NewTestCaseService creates a new TestCaseService.
func NewTestCaseService(client *database.Client, locks *FlowLocks) *TestCaseService {
	if client == nil {
		panic("NewTestCaseService: client must not be nil")
	}
	if locks == nil {
		panic("NewTestCaseService: locks must not be nil")
	}
	return &TestCaseService{client: client, locks: locks}
}

type testCaseRow struct {
	ID             string    `db:"id"`
	RequestID      string    `db:"request_id"`
	FlowID         string    `db:"flow_id"`
	Category       string    `db:"category"`
	Type           string    `db:"type"`
	Description    string    `db:"description"`
	Mutation       string    `db:"mutation"`
	MutationHash   string    `db:"mutation_hash"`
	CatalogVersion string    `db:"catalog_version"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r *testCaseRow) toModel() (*models.TestCase, error) {
	tc := &models.TestCase{
		ID:             r.ID,
		RequestID:      r.RequestID,
		FlowID:         r.FlowID,
		Category:       models.TestCaseCategory(r.Category),
		Type:           r.Type,
		Description:    r.Description,
		CatalogVersion: r.CatalogVersion,
		CreatedAt:      r.CreatedAt,
	}
	if err := json.Unmarshal([]byte(r.Mutation), &tc.Mutation); err != nil {
		return nil, fmt.Errorf("failed to decode mutation for test case %s: %w", r.ID, err)
	}
	return tc, nil
}

// CreateBatch inserts the generated test cases for one request,
// de-duplicating on (request_id, mutation hash). Returns the stored set,
// existing rows included, in generation order.
func (s *TestCaseService) CreateBatch(ctx context.Context, flowID string, cases []*models.TestCase) ([]*models.TestCase, error) {
	if len(cases) == 0 {
		return nil, nil
	}
	for _, tc := range cases {
		if !models.ValidTestCaseCategory(tc.Category) {
			return nil, NewValidationError("category", fmt.Sprintf("unknown category %q", tc.Category))
		}
	}

	s.locks.Lock(flowID)
	defer s.locks.Unlock(flowID)

	db := s.client.DB()
	stored := make([]*models.TestCase, 0, len(cases))

	err := withRetry(func() error {
		tx, txErr := db.BeginTxx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		stored = stored[:0]
		for _, tc := range cases {
			hash := tc.Mutation.Hash()

			var existing testCaseRow
			getErr := tx.GetContext(ctx, &existing, tx.Rebind(`SELECT * FROM test_cases
				WHERE request_id = ? AND mutation_hash = ?`), tc.RequestID, hash)
			if getErr == nil {
				m, convErr := existing.toModel()
				if convErr != nil {
					return convErr
				}
				stored = append(stored, m)
				continue
			}
			if !errors.Is(mapNoRows(getErr), ErrNotFound) {
				return getErr
			}

			mutationJSON, marshalErr := json.Marshal(tc.Mutation)
			if marshalErr != nil {
				return fmt.Errorf("failed to marshal mutation: %w", marshalErr)
			}

			now := time.Now().UTC()
			row := &models.TestCase{
				ID:             uuid.New().String(),
				RequestID:      tc.RequestID,
				FlowID:         flowID,
				Category:       tc.Category,
				Type:           tc.Type,
				Description:    tc.Description,
				Mutation:       tc.Mutation,
				CatalogVersion: tc.CatalogVersion,
				CreatedAt:      now,
			}
			if _, txErr = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO test_cases
				(id, request_id, flow_id, category, type, description,
				 mutation, mutation_hash, catalog_version, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
				row.ID, row.RequestID, row.FlowID, string(row.Category), row.Type,
				row.Description, string(mutationJSON), hash, row.CatalogVersion, now); txErr != nil {
				if isUniqueViolation(txErr) {
					continue
				}
				return txErr
			}
			stored = append(stored, row)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store test cases: %w", err)
	}
	return stored, nil
}

// GetTestCase retrieves one test case.
func (s *TestCaseService) GetTestCase(ctx context.Context, testCaseID string) (*models.TestCase, error) {
	db := s.client.DB()
	var row testCaseRow
	query := db.Rebind(`SELECT * FROM test_cases WHERE id = ?`)
	err := withRetry(func() error {
		return mapNoRows(db.GetContext(ctx, &row, query, testCaseID))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get test case: %w", err)
	}
	return row.toModel()
}

// ListByFlow returns a page of the flow's test cases.
func (s *TestCaseService) ListByFlow(ctx context.Context, flowID string, params models.ListParams) (*models.TestCaseList, error) {
	return s.list(ctx, "flow_id", flowID, params)
}

// ListByRequest returns a page of a request's test cases.
func (s *TestCaseService) ListByRequest(ctx context.Context, requestID string, params models.ListParams) (*models.TestCaseList, error) {
	return s.list(ctx, "request_id", requestID, params)
}

func (s *TestCaseService) list(ctx context.Context, column, value string, params models.ListParams) (*models.TestCaseList, error) {
	params.Normalize()
	db := s.client.DB()

	where := " WHERE " + column + " = ?"
	args := []any{value}
	if params.Search != "" {
		where += " AND (type LIKE ? OR description LIKE ?)"
		pattern := "%" + params.Search + "%"
		args = append(args, pattern, pattern)
	}

	var total int
	if err := withRetry(func() error {
		return db.GetContext(ctx, &total, db.Rebind("SELECT COUNT(*) FROM test_cases"+where), args...)
	}); err != nil {
		return nil, fmt.Errorf("failed to count test cases: %w", err)
	}

	listArgs := append(args, params.PerPage, params.Offset())
	var rows []testCaseRow
	if err := withRetry(func() error {
		return db.SelectContext(ctx, &rows,
			db.Rebind("SELECT * FROM test_cases"+where+" ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?"),
			listArgs...)
	}); err != nil {
		return nil, fmt.Errorf("failed to list test cases: %w", err)
	}

	cases := make([]*models.TestCase, 0, len(rows))
	for i := range rows {
		tc, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		cases = append(cases, tc)
	}
	return &models.TestCaseList{TestCases: cases, Total: total}, nil
}

// AllByFlow returns every test case of the flow, unpaginated, for the
// replayer.
func (s *TestCaseService) AllByFlow(ctx context.Context, flowID string) ([]*models.TestCase, error) {
	db := s.client.DB()
	var rows []testCaseRow
	query := db.Rebind(`SELECT * FROM test_cases WHERE flow_id = ? ORDER BY created_at ASC, id ASC`)
	if err := withRetry(func() error {
		return db.SelectContext(ctx, &rows, query, flowID)
	}); err != nil {
		return nil, fmt.Errorf("failed to load flow test cases: %w", err)
	}
	cases := make([]*models.TestCase, 0, len(rows))
	for i := range rows {
		tc, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		cases = append(cases, tc)
	}
	return cases, nil
}
