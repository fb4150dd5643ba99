package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/probehound/probehound/pkg/services"
)

// RecordedExchange is one captured HTTP exchange as presented by a
// recording client.
type RecordedExchange struct {
	Method          string            `json:"method"`
	URL             string            `json:"url"`
	Headers         map[string]string `json:"headers"`
	Body            string            `json:"body"`
	CapturedStatus  int               `json:"captured_status"`
	CapturedHeaders map[string]string `json:"captured_headers"`
	CapturedBody    string            `json:"captured_body"`
}

func (r RecordedExchange) toInput() services.RecordRequestInput {
	return services.RecordRequestInput{
		Method:          r.Method,
		URL:             r.URL,
		Headers:         r.Headers,
		Body:            []byte(r.Body),
		CapturedStatus:  r.CapturedStatus,
		CapturedHeaders: r.CapturedHeaders,
		CapturedBody:    []byte(r.CapturedBody),
	}
}

// recordingStatusHandler handles GET /recording/status.
func (s *Server) recordingStatusHandler(c *echo.Context) error {
	return respond(c, http.StatusOK, s.recorder.Status())
}

// StartRecordingRequest is the body for POST /recording/start.
type StartRecordingRequest struct {
	FlowID string `json:"flow_id"`
}

// recordingStartHandler handles POST /recording/start.
func (s *Server) recordingStartHandler(c *echo.Context) error {
	var req StartRecordingRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed request body")
	}
	session, err := s.recorder.Start(c.Request().Context(), req.FlowID)
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, session)
}

// recordingStopHandler handles POST /recording/stop.
func (s *Server) recordingStopHandler(c *echo.Context) error {
	summary, err := s.recorder.Stop()
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, summary)
}

// recordingRequestHandler handles POST /recording/request: one exchange
// appended to the active session's flow.
func (s *Server) recordingRequestHandler(c *echo.Context) error {
	var req RecordedExchange
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed request body")
	}
	recorded, err := s.recorder.Record(c.Request().Context(), req.toInput())
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, recorded)
}

// ImportRequest is the body for POST /recording/import.
type ImportRequest struct {
	FlowID   string             `json:"flow_id"`
	Requests []RecordedExchange `json:"requests"`
}

// recordingImportHandler handles POST /recording/import: bulk append
// without a recording session.
func (s *Server) recordingImportHandler(c *echo.Context) error {
	var req ImportRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed request body")
	}
	if req.FlowID == "" {
		return badRequest("flow_id is required")
	}

	inputs := make([]services.RecordRequestInput, 0, len(req.Requests))
	for _, r := range req.Requests {
		inputs = append(inputs, r.toInput())
	}
	recorded, err := s.recorder.Import(c.Request().Context(), req.FlowID, inputs)
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, map[string]any{
		"imported": len(recorded),
		"requests": recorded,
	})
}
