package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probehound/probehound/pkg/models"
)

func anomaly(severity models.Severity, anomalyType models.AnomalyType, confidence float64, potential bool) *models.Anomaly {
	return &models.Anomaly{
		Severity:                 severity,
		Type:                     anomalyType,
		Confidence:               confidence,
		IsPotentialVulnerability: potential,
	}
}

func TestCompute_EmptyInputYieldsWellFormedAggregate(t *testing.T) {
	agg := Compute(nil)

	assert.Zero(t, agg.TotalAnomalies)
	assert.Zero(t, agg.RiskScore)
	assert.Equal(t, RiskLow, agg.RiskCategory)
	assert.Equal(t, []string{recMonitorOnly}, agg.Recommendations)
	assert.NotNil(t, agg.SeverityHistogram)
	assert.NotNil(t, agg.TypeHistogram)
}

func TestCompute_RiskScoreFormula(t *testing.T) {
	// 2 critical + 1 high + 3 medium: 10·(0.30·2 + 0.18 + 0.08·3) = 10·1.02 → capped at 10.
	anomalies := []*models.Anomaly{
		anomaly(models.SeverityCritical, models.AnomalyUnauthorizedAccess, 0.9, true),
		anomaly(models.SeverityCritical, models.AnomalyPrivilegeEscalation, 0.9, true),
		anomaly(models.SeverityHigh, models.AnomalySequenceManipulation, 0.85, true),
		anomaly(models.SeverityMedium, models.AnomalyInformationDisclosure, 0.6, false),
		anomaly(models.SeverityMedium, models.AnomalyInformationDisclosure, 0.6, false),
		anomaly(models.SeverityMedium, models.AnomalyTimingAnomaly, 0.5, false),
	}
	agg := Compute(anomalies)

	assert.InDelta(t, 10.0, agg.RiskScore, 1e-9)
	assert.Equal(t, RiskCritical, agg.RiskCategory)
	assert.Equal(t, 6, agg.TotalAnomalies)
	assert.Equal(t, 3, agg.PotentialVulnerabilities)
	assert.Equal(t, 2, agg.SeverityHistogram[models.SeverityCritical])
	assert.Equal(t, 2, agg.TypeHistogram[models.AnomalyInformationDisclosure])
}

func TestCompute_RiskScorePartial(t *testing.T) {
	// 1 high + 1 low: 10·(0.18 + 0.02) = 2.0 → Low category.
	agg := Compute([]*models.Anomaly{
		anomaly(models.SeverityHigh, models.AnomalyParameterTampering, 0.8, true),
		anomaly(models.SeverityLow, models.AnomalyTimingAnomaly, 0.3, false),
	})
	assert.InDelta(t, 2.0, agg.RiskScore, 1e-9)
	assert.Equal(t, RiskLow, agg.RiskCategory)
}

func TestCompute_RiskCategoryBoundaries(t *testing.T) {
	assert.Equal(t, RiskCritical, riskCategory(8))
	assert.Equal(t, RiskHigh, riskCategory(6))
	assert.Equal(t, RiskHigh, riskCategory(7.99))
	assert.Equal(t, RiskMedium, riskCategory(3))
	assert.Equal(t, RiskLow, riskCategory(2.99))
}

func TestCompute_ConfidenceStats(t *testing.T) {
	agg := Compute([]*models.Anomaly{
		anomaly(models.SeverityLow, models.AnomalyTimingAnomaly, 0.2, false),
		anomaly(models.SeverityMedium, models.AnomalyInformationDisclosure, 0.5, false),
		anomaly(models.SeverityCritical, models.AnomalyUnauthorizedAccess, 0.9, true),
	})

	assert.InDelta(t, 0.2, agg.Confidence.Min, 1e-9)
	assert.InDelta(t, 0.9, agg.Confidence.Max, 1e-9)
	assert.InDelta(t, (0.2+0.5+0.9)/3, agg.Confidence.Avg, 1e-9)
	assert.Equal(t, 1, agg.Confidence.BucketLow)
	assert.Equal(t, 1, agg.Confidence.BucketMid)
	assert.Equal(t, 1, agg.Confidence.BucketHigh)
}

func TestCompute_RecommendationsAreDeterministicPhrases(t *testing.T) {
	anomalies := []*models.Anomaly{
		anomaly(models.SeverityCritical, models.AnomalyUnauthorizedAccess, 0.9, true),
		anomaly(models.SeverityHigh, models.AnomalySequenceManipulation, 0.85, true),
	}
	first := Compute(anomalies)
	second := Compute(anomalies)

	require.Equal(t, first.Recommendations, second.Recommendations)
	assert.Equal(t, recImmediateReview, first.Recommendations[0])
	assert.Contains(t, first.Recommendations, recAccessControl)
	assert.Contains(t, first.Recommendations, recWorkflowGuards)
}

func TestCompute_HighWithoutCriticalRecommendsPrioritization(t *testing.T) {
	agg := Compute([]*models.Anomaly{
		anomaly(models.SeverityHigh, models.AnomalyParameterTampering, 0.8, true),
	})
	assert.Equal(t, recPrioritizeHigh, agg.Recommendations[0])
	assert.Contains(t, agg.Recommendations, recInputValidation)
}

func TestCompute_IsIdempotent(t *testing.T) {
	anomalies := []*models.Anomaly{
		anomaly(models.SeverityMedium, models.AnomalyInformationDisclosure, 0.6, false),
	}
	first := Compute(anomalies)
	second := Compute(anomalies)
	assert.Equal(t, first, second)
}
