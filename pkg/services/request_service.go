package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/probehound/probehound/pkg/database"
	"github.com/probehound/probehound/pkg/models"
)

// RequestService manages recorded baseline requests. Requests are
// immutable once recorded; the per-flow ordinal is assigned at append
// time and preserves capture order.
type RequestService struct {
	client *database.Client
	locks  *FlowLocks
}

// NewRequestService creates a new RequestService.
func NewRequestService(client *database.Client, locks *FlowLocks) *RequestService {
	if client == nil {
		panic("NewRequestService: client must not be nil")
	}
	if locks == nil {
		panic("NewRequestService: locks must not be nil")
	}
	return &RequestService{client: client, locks: locks}
}

type requestRow struct {
	ID              string    `db:"id"`
	FlowID          string    `db:"flow_id"`
	Ordinal         int       `db:"ordinal"`
	Method          string    `db:"method"`
	URL             string    `db:"url"`
	Headers         string    `db:"headers"`
	Body            []byte    `db:"body"`
	CapturedStatus  int       `db:"captured_status"`
	CapturedHeaders string    `db:"captured_headers"`
	CapturedBody    []byte    `db:"captured_body"`
	CapturedAt      time.Time `db:"captured_at"`
}

func (r *requestRow) toModel() (*models.Request, error) {
	req := &models.Request{
		ID:             r.ID,
		FlowID:         r.FlowID,
		Ordinal:        r.Ordinal,
		Method:         r.Method,
		URL:            r.URL,
		Body:           r.Body,
		CapturedStatus: r.CapturedStatus,
		CapturedBody:   r.CapturedBody,
		CapturedAt:     r.CapturedAt,
	}
	var err error
	if req.Headers, err = decodeHeaders(r.Headers); err != nil {
		return nil, fmt.Errorf("failed to decode headers for request %s: %w", r.ID, err)
	}
	if req.CapturedHeaders, err = decodeHeaders(r.CapturedHeaders); err != nil {
		return nil, fmt.Errorf("failed to decode captured headers for request %s: %w", r.ID, err)
	}
	return req, nil
}

func decodeHeaders(raw string) (map[string]string, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, err
	}
	return h, nil
}

func encodeHeaders(h map[string]string) (string, error) {
	if len(h) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// RecordRequestInput is one captured HTTP exchange presented by a caller
// (browser extension, proxy dump importer, cURL importer).
type RecordRequestInput struct {
	Method          string
	URL             string
	Headers         map[string]string
	Body            []byte
	CapturedStatus  int
	CapturedHeaders map[string]string
	CapturedBody    []byte
}

// Validate checks the exchange shape without touching the store.
func (in *RecordRequestInput) Validate() error {
	if in.Method == "" {
		return NewValidationError("method", "required")
	}
	if in.URL == "" {
		return NewValidationError("url", "required")
	}
	if u, err := url.Parse(in.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return NewValidationError("url", "must be an absolute URL")
	}
	if in.CapturedStatus < 100 || in.CapturedStatus > 599 {
		return NewValidationError("captured_status", "must be within [100,599]")
	}
	return nil
}

// Append validates and appends a recorded exchange to the flow, assigning
// the next ordinal. The ordinal assignment and insert run inside the
// flow's write lock so concurrent appends cannot collide.
func (s *RequestService) Append(ctx context.Context, flowID string, input RecordRequestInput) (*models.Request, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}

	headersJSON, err := encodeHeaders(input.Headers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal headers: %w", err)
	}
	capturedJSON, err := encodeHeaders(input.CapturedHeaders)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal captured headers: %w", err)
	}

	s.locks.Lock(flowID)
	defer s.locks.Unlock(flowID)

	db := s.client.DB()
	req := &models.Request{
		ID:              uuid.New().String(),
		FlowID:          flowID,
		Method:          strings.ToUpper(input.Method),
		URL:             input.URL,
		Headers:         input.Headers,
		Body:            input.Body,
		CapturedStatus:  input.CapturedStatus,
		CapturedHeaders: input.CapturedHeaders,
		CapturedBody:    input.CapturedBody,
		CapturedAt:      time.Now().UTC(),
	}

	err = withRetry(func() error {
		tx, txErr := db.BeginTxx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		// Flow must exist; a dangling flow_id would otherwise surface
		// as an opaque FK error.
		var exists int
		if txErr = tx.GetContext(ctx, &exists,
			tx.Rebind(`SELECT COUNT(*) FROM flows WHERE id = ?`), flowID); txErr != nil {
			return txErr
		}
		if exists == 0 {
			return ErrNotFound
		}

		var maxOrdinal int
		if txErr = tx.GetContext(ctx, &maxOrdinal,
			tx.Rebind(`SELECT COALESCE(MAX(ordinal), 0) FROM requests WHERE flow_id = ?`), flowID); txErr != nil {
			return txErr
		}
		req.Ordinal = maxOrdinal + 1

		if _, txErr = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO requests
			(id, flow_id, ordinal, method, url, headers, body,
			 captured_status, captured_headers, captured_body, captured_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			req.ID, req.FlowID, req.Ordinal, req.Method, req.URL, headersJSON, req.Body,
			req.CapturedStatus, capturedJSON, req.CapturedBody, req.CapturedAt); txErr != nil {
			return txErr
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to append request: %w", err)
	}
	return req, nil
}

// GetRequest retrieves one baseline request.
func (s *RequestService) GetRequest(ctx context.Context, requestID string) (*models.Request, error) {
	db := s.client.DB()
	var row requestRow
	query := db.Rebind(`SELECT * FROM requests WHERE id = ?`)
	err := withRetry(func() error {
		return mapNoRows(db.GetContext(ctx, &row, query, requestID))
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return row.toModel()
}

// ListByFlow returns the flow's baseline requests in ordinal order.
func (s *RequestService) ListByFlow(ctx context.Context, flowID string, params models.ListParams) (*models.RequestList, error) {
	params.Normalize()
	db := s.client.DB()

	where := " WHERE flow_id = ?"
	args := []any{flowID}
	if params.Search != "" {
		where += " AND (url LIKE ? OR method LIKE ?)"
		pattern := "%" + params.Search + "%"
		args = append(args, pattern, pattern)
	}

	var total int
	if err := withRetry(func() error {
		return db.GetContext(ctx, &total, db.Rebind("SELECT COUNT(*) FROM requests"+where), args...)
	}); err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}

	listArgs := append(args, params.PerPage, params.Offset())
	var rows []requestRow
	if err := withRetry(func() error {
		return db.SelectContext(ctx, &rows,
			db.Rebind("SELECT * FROM requests"+where+" ORDER BY ordinal ASC LIMIT ? OFFSET ?"), listArgs...)
	}); err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}

	reqs := make([]*models.Request, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return &models.RequestList{Requests: reqs, Total: total}, nil
}

// AllByFlow returns every baseline request of the flow in ordinal order,
// unpaginated. The replayer uses this to build transcripts.
func (s *RequestService) AllByFlow(ctx context.Context, flowID string) ([]*models.Request, error) {
	db := s.client.DB()
	var rows []requestRow
	query := db.Rebind(`SELECT * FROM requests WHERE flow_id = ? ORDER BY ordinal ASC`)
	if err := withRetry(func() error {
		return db.SelectContext(ctx, &rows, query, flowID)
	}); err != nil {
		return nil, fmt.Errorf("failed to load flow requests: %w", err)
	}
	reqs := make([]*models.Request, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

// DeleteRequest removes a baseline request; its test cases, responses,
// and anomalies go with it.
func (s *RequestService) DeleteRequest(ctx context.Context, requestID string) error {
	req, err := s.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}

	s.locks.Lock(req.FlowID)
	defer s.locks.Unlock(req.FlowID)

	db := s.client.DB()
	err = withRetry(func() error {
		tx, txErr := db.BeginTxx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		// Anomalies cascade from test cases; responses are keyed
		// polymorphically by owner and need explicit cleanup.
		if _, txErr = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM responses
			WHERE owner_kind = ? AND owner_id = ?`),
			models.OwnerBaseline, requestID); txErr != nil {
			return txErr
		}
		if _, txErr = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM responses
			WHERE owner_kind = ? AND owner_id IN (SELECT id FROM test_cases WHERE request_id = ?)`),
			models.OwnerMutant, requestID); txErr != nil {
			return txErr
		}
		res, txErr := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM requests WHERE id = ?`), requestID)
		if txErr != nil {
			return txErr
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete request: %w", err)
	}
	return nil
}
