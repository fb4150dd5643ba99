package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/probehound/probehound/pkg/analyzer"
	"github.com/probehound/probehound/pkg/models"
	"github.com/probehound/probehound/pkg/services"
)

// analyzeFlowHandler handles POST /analysis/flow/:id: re-runs the diff
// engine over the flow's most recent finished execution.
func (s *Server) analyzeFlowHandler(c *echo.Context) error {
	result, err := s.engine.ReanalyzeFlow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, result)
}

// listAnomaliesHandler handles GET /analysis/anomalies/:flow_id.
func (s *Server) listAnomaliesHandler(c *echo.Context) error {
	params := listParams(c)
	filters := services.AnomalyFilters{
		Severity: models.Severity(c.QueryParam("severity")),
		Type:     models.AnomalyType(c.QueryParam("type")),
		Status:   models.AnomalyStatus(c.QueryParam("status")),
	}
	result, err := s.anomalies.ListByFlow(c.Request().Context(), c.Param("flow_id"), filters, params)
	if err != nil {
		return err
	}
	return respondList(c, result.Anomalies, result.Total, params)
}

// getAnomalyHandler handles GET /analysis/anomaly/:id.
func (s *Server) getAnomalyHandler(c *echo.Context) error {
	anomaly, err := s.anomalies.GetAnomaly(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, anomaly)
}

// UpdateAnomalyRequest is the body for PUT /analysis/anomaly/:id.
type UpdateAnomalyRequest struct {
	Status models.AnomalyStatus `json:"status"`
}

// updateAnomalyHandler handles PUT /analysis/anomaly/:id: triage state
// transitions only; detection results themselves are immutable.
func (s *Server) updateAnomalyHandler(c *echo.Context) error {
	var req UpdateAnomalyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed request body")
	}
	anomaly, err := s.anomalies.UpdateStatus(c.Request().Context(), c.Param("id"), req.Status)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, anomaly)
}

// getDetectionRulesHandler handles GET /analysis/rules.
func (s *Server) getDetectionRulesHandler(c *echo.Context) error {
	return respond(c, http.StatusOK, s.detectionRules.Current())
}

// putDetectionRulesHandler handles PUT /analysis/rules: replaces the
// live detection catalog.
func (s *Server) putDetectionRulesHandler(c *echo.Context) error {
	var catalog analyzer.Catalog
	if err := c.Bind(&catalog); err != nil {
		return badRequest("malformed catalog")
	}
	if err := s.detectionRules.Replace(&catalog); err != nil {
		return &apiError{
			status:  http.StatusUnprocessableEntity,
			code:    codeValidation,
			message: err.Error(),
		}
	}
	return respond(c, http.StatusOK, s.detectionRules.Current())
}

// ThresholdResponse carries the confidence threshold state.
type ThresholdResponse struct {
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// getThresholdHandler handles GET /analysis/threshold.
func (s *Server) getThresholdHandler(c *echo.Context) error {
	return respond(c, http.StatusOK, &ThresholdResponse{
		ConfidenceThreshold: s.thresholds.Default(),
	})
}

// SetThresholdRequest is the body for POST /analysis/threshold.
type SetThresholdRequest struct {
	ConfidenceThreshold *float64 `json:"confidence_threshold"`
	FlowID              string   `json:"flow_id"`
}

// setThresholdHandler handles POST /analysis/threshold: updates the
// process default, or a single flow's override when flow_id is given.
func (s *Server) setThresholdHandler(c *echo.Context) error {
	var req SetThresholdRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed request body")
	}
	if req.ConfidenceThreshold == nil {
		return badRequest("confidence_threshold is required")
	}
	v := *req.ConfidenceThreshold
	if v < 0 || v > 1 {
		return &apiError{
			status:  http.StatusUnprocessableEntity,
			code:    codeValidation,
			message: "validation failed",
			details: map[string]string{"confidence_threshold": "must be within [0,1]"},
		}
	}

	if req.FlowID != "" {
		if _, err := s.flows.UpdateFlow(c.Request().Context(), req.FlowID,
			services.UpdateFlowInput{ConfidenceThreshold: &v}); err != nil {
			return err
		}
		return respond(c, http.StatusOK, map[string]any{
			"flow_id":              req.FlowID,
			"confidence_threshold": v,
		})
	}

	s.thresholds.SetDefault(v)
	return respond(c, http.StatusOK, &ThresholdResponse{ConfidenceThreshold: v})
}
