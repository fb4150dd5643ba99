// Package recorder accepts captured HTTP exchanges and attaches them to
// a flow. It does not intercept traffic itself; callers (browser
// extension, proxy dump importer, cURL importer) present parsed
// exchanges and the recorder validates shape and appends.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/probehound/probehound/pkg/models"
	"github.com/probehound/probehound/pkg/services"
)

var (
	// ErrSessionActive is returned when starting a session while
	// another is active. At most one recording session exists per
	// process.
	ErrSessionActive = errors.New("a recording session is already active")

	// ErrNoActiveSession is returned when an operation requires an
	// active recording session and none exists.
	ErrNoActiveSession = errors.New("no active recording session")

	// ErrNoFlowSelected is returned when starting a session without a
	// flow, and no flow has been selected.
	ErrNoFlowSelected = errors.New("no flow selected for recording")
)

// Session is one active recording session. The process holds at most one.
type Session struct {
	ID               string    `json:"session_id"`
	FlowID           string    `json:"flow_id"`
	StartedAt        time.Time `json:"started_at"`
	RequestsRecorded int       `json:"requests_recorded"`
}

// Summary is returned by Stop; the session object itself is discarded.
type Summary struct {
	SessionID        string `json:"session_id"`
	FlowID           string `json:"flow_id"`
	DurationMS       int64  `json:"duration_ms"`
	RequestsRecorded int    `json:"requests_recorded"`
}

// Status reports the recorder state for the control plane.
type Status struct {
	Recording      bool     `json:"recording"`
	SelectedFlowID string   `json:"selected_flow_id,omitempty"`
	Session        *Session `json:"session,omitempty"`
}

// Recorder owns the process-wide single recording-session slot plus the
// selected-flow state. Start/Stop are compare-and-swap on the slot.
type Recorder struct {
	flows    *services.FlowService
	requests *services.RequestService

	mu           sync.Mutex
	active       *Session
	selectedFlow string
}

// New creates a Recorder.
func New(flows *services.FlowService, requests *services.RequestService) *Recorder {
	if flows == nil {
		panic("recorder.New: flows must not be nil")
	}
	if requests == nil {
		panic("recorder.New: requests must not be nil")
	}
	return &Recorder{flows: flows, requests: requests}
}

// SelectFlow sets the flow new recording sessions attach to by default.
func (r *Recorder) SelectFlow(ctx context.Context, flowID string) error {
	if _, err := r.flows.GetFlow(ctx, flowID); err != nil {
		return err
	}
	r.mu.Lock()
	r.selectedFlow = flowID
	r.mu.Unlock()
	return nil
}

// Start begins a recording session for flowID (or the selected flow when
// flowID is empty). Fails with ErrSessionActive while another session is
// active.
func (r *Recorder) Start(ctx context.Context, flowID string) (*Session, error) {
	r.mu.Lock()
	if r.active != nil {
		r.mu.Unlock()
		return nil, ErrSessionActive
	}
	if flowID == "" {
		flowID = r.selectedFlow
	}
	r.mu.Unlock()

	if flowID == "" {
		return nil, ErrNoFlowSelected
	}
	if _, err := r.flows.GetFlow(ctx, flowID); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:        uuid.New().String(),
		FlowID:    flowID,
		StartedAt: time.Now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		// Lost the race to a concurrent Start.
		return nil, ErrSessionActive
	}
	r.active = sess
	return &Session{ID: sess.ID, FlowID: sess.FlowID, StartedAt: sess.StartedAt}, nil
}

// Stop ends the active session and returns its summary. The slot is
// freed for the next session.
func (r *Recorder) Stop() (*Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return nil, ErrNoActiveSession
	}
	sess := r.active
	r.active = nil
	return &Summary{
		SessionID:        sess.ID,
		FlowID:           sess.FlowID,
		DurationMS:       time.Since(sess.StartedAt).Milliseconds(),
		RequestsRecorded: sess.RequestsRecorded,
	}, nil
}

// Status returns the current recorder state.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Recording:      r.active != nil,
		SelectedFlowID: r.selectedFlow,
	}
	if r.active != nil {
		sess := *r.active
		st.Session = &sess
	}
	return st
}

// Record appends one captured exchange to the active session's flow.
// Rejected outside the recording state.
func (r *Recorder) Record(ctx context.Context, input services.RecordRequestInput) (*models.Request, error) {
	r.mu.Lock()
	if r.active == nil {
		r.mu.Unlock()
		return nil, ErrNoActiveSession
	}
	flowID := r.active.FlowID
	r.mu.Unlock()

	req, err := r.requests.Append(ctx, flowID, input)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.active != nil && r.active.FlowID == flowID {
		r.active.RequestsRecorded++
	}
	r.mu.Unlock()
	return req, nil
}

// Import bulk-appends exchanges to a flow without a recording session.
// All inputs are validated before any append so a malformed entry rejects
// the whole batch.
func (r *Recorder) Import(ctx context.Context, flowID string, inputs []services.RecordRequestInput) ([]*models.Request, error) {
	if len(inputs) == 0 {
		return nil, services.NewValidationError("requests", "at least one exchange is required")
	}
	for i := range inputs {
		if err := inputs[i].Validate(); err != nil {
			return nil, fmt.Errorf("exchange %d: %w", i+1, err)
		}
	}

	recorded := make([]*models.Request, 0, len(inputs))
	for i := range inputs {
		req, err := r.requests.Append(ctx, flowID, inputs[i])
		if err != nil {
			return recorded, fmt.Errorf("exchange %d: %w", i+1, err)
		}
		recorded = append(recorded, req)
	}
	return recorded, nil
}
