package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/probehound/probehound/pkg/models"
	"github.com/probehound/probehound/pkg/services"
)

// FlowRequest is the request body for flow create/update.
type FlowRequest struct {
	Name                string            `json:"name"`
	Description         *string           `json:"description"`
	TargetDomain        *string           `json:"target_domain"`
	IdentityPool        []models.Identity `json:"identity_pool"`
	ConfidenceThreshold *float64          `json:"confidence_threshold"`
}

// createFlowHandler handles POST /flows.
func (s *Server) createFlowHandler(c *echo.Context) error {
	var req FlowRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed request body")
	}

	input := services.CreateFlowInput{
		Name:         req.Name,
		IdentityPool: req.IdentityPool,
	}
	if req.Description != nil {
		input.Description = *req.Description
	}
	if req.TargetDomain != nil {
		input.TargetDomain = *req.TargetDomain
	}

	flow, err := s.flows.CreateFlow(c.Request().Context(), input)
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, flow)
}

// listFlowsHandler handles GET /flows.
func (s *Server) listFlowsHandler(c *echo.Context) error {
	params := listParams(c)
	result, err := s.flows.ListFlows(c.Request().Context(), params)
	if err != nil {
		return err
	}
	return respondList(c, result.Flows, result.Total, params)
}

// getFlowHandler handles GET /flows/:id.
func (s *Server) getFlowHandler(c *echo.Context) error {
	flow, err := s.flows.GetFlow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, flow)
}

// updateFlowHandler handles PUT /flows/:id.
func (s *Server) updateFlowHandler(c *echo.Context) error {
	var req FlowRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("malformed request body")
	}

	input := services.UpdateFlowInput{
		Description:         req.Description,
		TargetDomain:        req.TargetDomain,
		IdentityPool:        req.IdentityPool,
		ConfidenceThreshold: req.ConfidenceThreshold,
	}
	if req.Name != "" {
		input.Name = &req.Name
	}

	flow, err := s.flows.UpdateFlow(c.Request().Context(), c.Param("id"), input)
	if err != nil {
		return err
	}
	return respond(c, http.StatusOK, flow)
}

// deleteFlowHandler handles DELETE /flows/:id. The delete cascades to
// every owned entity.
func (s *Server) deleteFlowHandler(c *echo.Context) error {
	if err := s.flows.DeleteFlow(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return respond(c, http.StatusOK, map[string]string{"deleted": c.Param("id")})
}

// selectFlowHandler handles POST /flows/:id/select: sets the active flow
// for subsequent recording sessions.
func (s *Server) selectFlowHandler(c *echo.Context) error {
	if err := s.recorder.SelectFlow(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return respond(c, http.StatusOK, map[string]string{"selected_flow_id": c.Param("id")})
}

// listFlowRequestsHandler handles GET /flows/:id/requests.
func (s *Server) listFlowRequestsHandler(c *echo.Context) error {
	params := listParams(c)
	result, err := s.requests.ListByFlow(c.Request().Context(), c.Param("id"), params)
	if err != nil {
		return err
	}
	return respondList(c, result.Requests, result.Total, params)
}

// listFlowTestCasesHandler handles GET /flows/:id/testcases.
func (s *Server) listFlowTestCasesHandler(c *echo.Context) error {
	params := listParams(c)
	result, err := s.testCases.ListByFlow(c.Request().Context(), c.Param("id"), params)
	if err != nil {
		return err
	}
	return respondList(c, result.TestCases, result.Total, params)
}
