package replayer

import (
	"context"
	"errors"
	"fmt"

	"github.com/probehound/probehound/pkg/models"
	"github.com/probehound/probehound/pkg/services"
)

// ReanalysisResult reports one re-analysis run.
type ReanalysisResult struct {
	ExecutionID string `json:"execution_id"`
	Pairs       int    `json:"pairs"`
	Removed     int64  `json:"removed"`
	Anomalies   int    `json:"anomalies"`
}

// ReanalyzeFlow re-runs the diff engine over the stored response pairs
// of the flow's most recent finished execution. Untriaged anomalies are
// replaced; confirmed and false-positive verdicts are kept. Used after a
// detection catalog update to re-score historical results.
func (e *Engine) ReanalyzeFlow(ctx context.Context, flowID string) (*ReanalysisResult, error) {
	flow, err := e.flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	execs, err := e.executions.ListByFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	var latest *models.Execution
	for _, exec := range execs {
		if exec.Status.Terminal() {
			latest = exec
			break
		}
	}
	if latest == nil {
		return nil, services.NewValidationError("flow_id", "flow has no finished execution to analyze")
	}

	cases, err := e.testCases.AllByFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	reqByID := make(map[string]*models.Request)
	reqs, err := e.requests.AllByFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	for _, req := range reqs {
		reqByID[req.ID] = req
	}

	removed, err := e.anomalies.DeleteNewByFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}

	result := &ReanalysisResult{ExecutionID: latest.ID, Removed: removed}
	for _, tc := range cases {
		mutant, err := e.responses.Latest(ctx, models.OwnerMutant, tc.ID, latest.ID)
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				continue
			}
			return nil, err
		}
		baseline, err := e.responses.Latest(ctx, models.OwnerBaseline, tc.RequestID, latest.ID)
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				continue
			}
			return nil, err
		}

		result.Pairs++
		anomalies := e.analyzePair(flow, tc, baseline, mutant)
		for _, a := range anomalies {
			if _, err := e.anomalies.Create(ctx, a); err != nil {
				return nil, fmt.Errorf("failed to store reanalyzed anomaly: %w", err)
			}
		}
		result.Anomalies += len(anomalies)
	}
	return result, nil
}
