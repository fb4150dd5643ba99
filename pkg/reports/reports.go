// Package reports builds the flow-level report views. The JSON report is
// the documented integration contract for downstream pipelines; its
// shape only changes with ReportVersion.
package reports

import (
	"context"
	"sort"
	"time"

	"github.com/probehound/probehound/pkg/models"
	"github.com/probehound/probehound/pkg/scoring"
	"github.com/probehound/probehound/pkg/services"
)

// ReportVersion identifies the JSON report schema.
const ReportVersion = "1"

// Reporter assembles reports from the store and the aggregator.
type Reporter struct {
	flows      *services.FlowService
	requests   *services.RequestService
	testCases  *services.TestCaseService
	anomalies  *services.AnomalyService
	executions *services.ExecutionService
}

// NewReporter creates a Reporter.
func NewReporter(
	flows *services.FlowService,
	requests *services.RequestService,
	testCases *services.TestCaseService,
	anomalies *services.AnomalyService,
	executions *services.ExecutionService,
) *Reporter {
	return &Reporter{
		flows:      flows,
		requests:   requests,
		testCases:  testCases,
		anomalies:  anomalies,
		executions: executions,
	}
}

// FlowSummary captures the flow header shared by all report flavors.
type FlowSummary struct {
	FlowID       string `json:"flow_id"`
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	TargetDomain string `json:"target_domain,omitempty"`
}

// Totals counts the flow's artifacts.
type Totals struct {
	Requests   int `json:"requests"`
	TestCases  int `json:"test_cases"`
	Executions int `json:"executions"`
	Anomalies  int `json:"anomalies"`
}

// SummaryReport is the dashboard-facing rollup.
type SummaryReport struct {
	ReportVersion string             `json:"report_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Flow          FlowSummary        `json:"flow"`
	Totals        Totals             `json:"totals"`
	Aggregate     *scoring.Aggregate `json:"aggregate"`
}

// JSONReport is the full export: summary plus every anomaly. This is the
// persisted wire-format guarantee.
type JSONReport struct {
	ReportVersion string             `json:"report_version"`
	GeneratedAt   time.Time          `json:"generated_at"`
	Flow          FlowSummary        `json:"flow"`
	Totals        Totals             `json:"totals"`
	Aggregate     *scoring.Aggregate `json:"aggregate"`
	Anomalies     []*models.Anomaly  `json:"anomalies"`
}

// ExecutiveReport is the short, decision-oriented view.
type ExecutiveReport struct {
	ReportVersion string      `json:"report_version"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Flow          FlowSummary `json:"flow"`
	RiskScore     float64     `json:"risk_score"`
	RiskCategory  string      `json:"risk_category"`
	TopFindings   []Finding   `json:"top_findings"`
	Recommendations []string  `json:"recommendations"`
}

// Finding is one highlighted anomaly in the executive view.
type Finding struct {
	AnomalyID   string             `json:"anomaly_id"`
	Type        models.AnomalyType `json:"type"`
	Severity    models.Severity    `json:"severity"`
	Confidence  float64            `json:"confidence"`
	Description string             `json:"description"`
}

// AnalyticsReport breaks findings down over time and by dimension.
type AnalyticsReport struct {
	ReportVersion string                     `json:"report_version"`
	GeneratedAt   time.Time                  `json:"generated_at"`
	Flow          FlowSummary                `json:"flow"`
	AnomaliesByDay map[string]int            `json:"anomalies_by_day"`
	TypeBreakdown map[models.AnomalyType]int `json:"type_breakdown"`
	SeverityBreakdown map[models.Severity]int `json:"severity_breakdown"`
	Confidence    scoring.ConfidenceStats    `json:"confidence"`
	Executions    []*models.Execution        `json:"executions"`
}

func (r *Reporter) flowContext(ctx context.Context, flowID string) (*models.Flow, Totals, []*models.Anomaly, error) {
	flow, err := r.flows.GetFlow(ctx, flowID)
	if err != nil {
		return nil, Totals{}, nil, err
	}
	reqs, err := r.requests.AllByFlow(ctx, flowID)
	if err != nil {
		return nil, Totals{}, nil, err
	}
	cases, err := r.testCases.AllByFlow(ctx, flowID)
	if err != nil {
		return nil, Totals{}, nil, err
	}
	execs, err := r.executions.ListByFlow(ctx, flowID)
	if err != nil {
		return nil, Totals{}, nil, err
	}
	anomalies, err := r.anomalies.AllByFlow(ctx, flowID)
	if err != nil {
		return nil, Totals{}, nil, err
	}
	totals := Totals{
		Requests:   len(reqs),
		TestCases:  len(cases),
		Executions: len(execs),
		Anomalies:  len(anomalies),
	}
	return flow, totals, anomalies, nil
}

func flowSummary(flow *models.Flow) FlowSummary {
	return FlowSummary{
		FlowID:       flow.ID,
		Name:         flow.Name,
		Description:  flow.Description,
		TargetDomain: flow.TargetDomain,
	}
}

// Summary builds the summary report.
func (r *Reporter) Summary(ctx context.Context, flowID string) (*SummaryReport, error) {
	flow, totals, anomalies, err := r.flowContext(ctx, flowID)
	if err != nil {
		return nil, err
	}
	return &SummaryReport{
		ReportVersion: ReportVersion,
		GeneratedAt:   time.Now().UTC(),
		Flow:          flowSummary(flow),
		Totals:        totals,
		Aggregate:     scoring.Compute(anomalies),
	}, nil
}

// JSON builds the full export.
func (r *Reporter) JSON(ctx context.Context, flowID string) (*JSONReport, error) {
	flow, totals, anomalies, err := r.flowContext(ctx, flowID)
	if err != nil {
		return nil, err
	}
	if anomalies == nil {
		anomalies = []*models.Anomaly{}
	}
	return &JSONReport{
		ReportVersion: ReportVersion,
		GeneratedAt:   time.Now().UTC(),
		Flow:          flowSummary(flow),
		Totals:        totals,
		Aggregate:     scoring.Compute(anomalies),
		Anomalies:     anomalies,
	}, nil
}

// Executive builds the short view with the top findings.
func (r *Reporter) Executive(ctx context.Context, flowID string) (*ExecutiveReport, error) {
	flow, _, anomalies, err := r.flowContext(ctx, flowID)
	if err != nil {
		return nil, err
	}
	agg := scoring.Compute(anomalies)

	sorted := append([]*models.Anomaly(nil), anomalies...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Severity.Rank() != sorted[j].Severity.Rank() {
			return sorted[i].Severity.Rank() > sorted[j].Severity.Rank()
		}
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return sorted[i].ID < sorted[j].ID
	})
	if len(sorted) > 5 {
		sorted = sorted[:5]
	}
	findings := make([]Finding, 0, len(sorted))
	for _, a := range sorted {
		findings = append(findings, Finding{
			AnomalyID:   a.ID,
			Type:        a.Type,
			Severity:    a.Severity,
			Confidence:  a.Confidence,
			Description: a.Description,
		})
	}

	return &ExecutiveReport{
		ReportVersion:   ReportVersion,
		GeneratedAt:     time.Now().UTC(),
		Flow:            flowSummary(flow),
		RiskScore:       agg.RiskScore,
		RiskCategory:    agg.RiskCategory,
		TopFindings:     findings,
		Recommendations: agg.Recommendations,
	}, nil
}

// Analytics builds the trend/breakdown view.
func (r *Reporter) Analytics(ctx context.Context, flowID string) (*AnalyticsReport, error) {
	flow, _, anomalies, err := r.flowContext(ctx, flowID)
	if err != nil {
		return nil, err
	}
	execs, err := r.executions.ListByFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	agg := scoring.Compute(anomalies)

	byDay := map[string]int{}
	for _, a := range anomalies {
		byDay[a.CreatedAt.UTC().Format("2006-01-02")]++
	}

	return &AnalyticsReport{
		ReportVersion:     ReportVersion,
		GeneratedAt:       time.Now().UTC(),
		Flow:              flowSummary(flow),
		AnomaliesByDay:    byDay,
		TypeBreakdown:     agg.TypeHistogram,
		SeverityBreakdown: agg.SeverityHistogram,
		Confidence:        agg.Confidence,
		Executions:        execs,
	}, nil
}
