package models

import "time"

// OwnerKind tells whether a response belongs to a baseline request or to a
// materialized test case.
type OwnerKind string

// Response owner kinds.
const (
	OwnerBaseline OwnerKind = "baseline"
	OwnerMutant   OwnerKind = "mutant"
)

// ErrorKind classifies a failed exchange. Empty means the exchange
// produced an HTTP status.
type ErrorKind string

// Error kinds recorded on responses.
const (
	ErrorKindNone    ErrorKind = ""
	ErrorKindNetwork ErrorKind = "network"
	ErrorKindTimeout ErrorKind = "timeout"
	ErrorKindStorage ErrorKind = "storage"
)

// Response is one observed reply during a replay. Status is nil when
// ErrorKind is set (the exchange never produced an HTTP status). Multiple
// responses may exist per owner across executions; the latest per
// (owner, execution) is authoritative.
type Response struct {
	ID             string            `json:"response_id"`
	FlowID         string            `json:"flow_id"`
	OwnerKind      OwnerKind         `json:"owner_kind"`
	OwnerID        string            `json:"owner_id"`
	ExecutionID    string            `json:"execution_id"`
	Status         *int              `json:"status"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           []byte            `json:"body,omitempty"`
	ContentLength  int64             `json:"content_length"`
	ResponseTimeMS int64             `json:"response_time_ms"`
	ErrorKind      ErrorKind         `json:"error_kind,omitempty"`
	CapturedAt     time.Time         `json:"captured_at"`
}

// Succeeded reports whether the response carries a 2xx status.
func (r *Response) Succeeded() bool {
	return r.Status != nil && *r.Status >= 200 && *r.Status < 300
}

// StatusOrZero returns the status code, or 0 for errored exchanges.
func (r *Response) StatusOrZero() int {
	if r.Status == nil {
		return 0
	}
	return *r.Status
}
