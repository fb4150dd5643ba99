package api

import (
	"context"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/probehound/probehound/pkg/models"
	"github.com/probehound/probehound/pkg/mutator"
)

// GenerationResult reports one generation run.
type GenerationResult struct {
	CatalogVersion string             `json:"catalog_version"`
	Generated      int                `json:"generated"`
	TestCases      []*models.TestCase `json:"test_cases"`
}

// generateForRequest derives and stores the test-case set for one
// baseline request.
func (s *Server) generateForRequest(ctx context.Context, requestID string) (*GenerationResult, error) {
	req, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	flow, err := s.flows.GetFlow(ctx, req.FlowID)
	if err != nil {
		return nil, err
	}
	all, err := s.requests.AllByFlow(ctx, req.FlowID)
	if err != nil {
		return nil, err
	}

	generated, err := s.generator.Generate(req, mutator.FlowContext{
		RequestCount: len(all),
		Identities:   flow.IdentityPool,
	})
	if err != nil {
		return nil, err
	}

	stored, err := s.testCases.CreateBatch(ctx, req.FlowID, generated)
	if err != nil {
		return nil, err
	}
	return &GenerationResult{
		CatalogVersion: s.mutationRules.Current().Version,
		Generated:      len(stored),
		TestCases:      stored,
	}, nil
}

// generateForRequestHandler handles POST /payloads/generate/request/:id.
func (s *Server) generateForRequestHandler(c *echo.Context) error {
	result, err := s.generateForRequest(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return respond(c, http.StatusCreated, result)
}

// generateForFlowHandler handles POST /payloads/generate/flow/:id:
// generation across every baseline request of the flow.
func (s *Server) generateForFlowHandler(c *echo.Context) error {
	ctx := c.Request().Context()
	flowID := c.Param("id")

	flow, err := s.flows.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}
	reqs, err := s.requests.AllByFlow(ctx, flowID)
	if err != nil {
		return err
	}

	flowCtx := mutator.FlowContext{
		RequestCount: len(reqs),
		Identities:   flow.IdentityPool,
	}

	total := 0
	var all []*models.TestCase
	for _, req := range reqs {
		generated, genErr := s.generator.Generate(req, flowCtx)
		if genErr != nil {
			return genErr
		}
		stored, storeErr := s.testCases.CreateBatch(ctx, flowID, generated)
		if storeErr != nil {
			return storeErr
		}
		total += len(stored)
		all = append(all, stored...)
	}

	return respond(c, http.StatusCreated, &GenerationResult{
		CatalogVersion: s.mutationRules.Current().Version,
		Generated:      total,
		TestCases:      all,
	})
}

// getMutationRulesHandler handles GET /payloads/rules.
func (s *Server) getMutationRulesHandler(c *echo.Context) error {
	return respond(c, http.StatusOK, s.mutationRules.Current())
}

// putMutationRulesHandler handles PUT /payloads/rules: replaces the live
// mutation catalog.
func (s *Server) putMutationRulesHandler(c *echo.Context) error {
	var catalog mutator.Catalog
	if err := c.Bind(&catalog); err != nil {
		return badRequest("malformed catalog")
	}
	if err := s.mutationRules.Replace(&catalog); err != nil {
		return &apiError{
			status:  http.StatusUnprocessableEntity,
			code:    codeValidation,
			message: err.Error(),
		}
	}
	return respond(c, http.StatusOK, s.mutationRules.Current())
}
