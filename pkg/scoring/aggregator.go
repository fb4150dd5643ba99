// Package scoring rolls anomalies up to flow-level views: severity and
// type histograms, confidence statistics, a bounded risk score, and
// deterministic recommendations. Aggregation is pure and idempotent; the
// risk score is always recomputed from current anomalies, never stored.
package scoring

import (
	"math"
	"sort"

	"github.com/probehound/probehound/pkg/models"
)

// Risk score weights per severity count.
const (
	weightCritical = 0.30
	weightHigh     = 0.18
	weightMedium   = 0.08
	weightLow      = 0.02
)

// Risk categories by score.
const (
	RiskCritical = "Critical"
	RiskHigh     = "High"
	RiskMedium   = "Medium"
	RiskLow      = "Low"
)

// ConfidenceStats summarizes anomaly confidences. Buckets split the
// range at 0.33 and 0.66.
type ConfidenceStats struct {
	Min     float64 `json:"min"`
	Avg     float64 `json:"avg"`
	Max     float64 `json:"max"`
	BucketLow  int  `json:"bucket_low"`
	BucketMid  int  `json:"bucket_mid"`
	BucketHigh int  `json:"bucket_high"`
}

// Aggregate is the flow-level rollup of anomalies.
type Aggregate struct {
	TotalAnomalies          int                        `json:"total_anomalies"`
	PotentialVulnerabilities int                       `json:"potential_vulnerabilities"`
	SeverityHistogram       map[models.Severity]int    `json:"severity_histogram"`
	TypeHistogram           map[models.AnomalyType]int `json:"type_histogram"`
	Confidence              ConfidenceStats            `json:"confidence"`
	RiskScore               float64                    `json:"risk_score"`
	RiskCategory            string                     `json:"risk_category"`
	Recommendations         []string                   `json:"recommendations"`
}

// Compute builds the rollup for a flow's anomalies. Safe to call at any
// time; an empty input yields a well-formed zero aggregate.
func Compute(anomalies []*models.Anomaly) *Aggregate {
	agg := &Aggregate{
		SeverityHistogram: map[models.Severity]int{},
		TypeHistogram:     map[models.AnomalyType]int{},
	}

	for _, a := range anomalies {
		agg.TotalAnomalies++
		agg.SeverityHistogram[a.Severity]++
		agg.TypeHistogram[a.Type]++
		if a.IsPotentialVulnerability {
			agg.PotentialVulnerabilities++
		}
	}

	agg.Confidence = confidenceStats(anomalies)
	agg.RiskScore = riskScore(agg.SeverityHistogram)
	agg.RiskCategory = riskCategory(agg.RiskScore)
	agg.Recommendations = recommend(agg.SeverityHistogram, topTypes(agg.TypeHistogram, 3))
	return agg
}

func confidenceStats(anomalies []*models.Anomaly) ConfidenceStats {
	if len(anomalies) == 0 {
		return ConfidenceStats{}
	}
	stats := ConfidenceStats{Min: 1}
	var sum float64
	for _, a := range anomalies {
		c := a.Confidence
		sum += c
		if c < stats.Min {
			stats.Min = c
		}
		if c > stats.Max {
			stats.Max = c
		}
		switch {
		case c < 0.33:
			stats.BucketLow++
		case c < 0.66:
			stats.BucketMid++
		default:
			stats.BucketHigh++
		}
	}
	stats.Avg = sum / float64(len(anomalies))
	return stats
}

// riskScore computes 10·min(1, Σ weight·count), bounded to [0,10].
func riskScore(severities map[models.Severity]int) float64 {
	weighted := weightCritical*float64(severities[models.SeverityCritical]) +
		weightHigh*float64(severities[models.SeverityHigh]) +
		weightMedium*float64(severities[models.SeverityMedium]) +
		weightLow*float64(severities[models.SeverityLow])
	return 10 * math.Min(1, weighted)
}

func riskCategory(score float64) string {
	switch {
	case score >= 8:
		return RiskCritical
	case score >= 6:
		return RiskHigh
	case score >= 3:
		return RiskMedium
	default:
		return RiskLow
	}
}

// topTypes returns the k most frequent anomaly types, ties broken
// alphabetically so output stays deterministic.
func topTypes(histogram map[models.AnomalyType]int, k int) []models.AnomalyType {
	types := make([]models.AnomalyType, 0, len(histogram))
	for t := range histogram {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		if histogram[types[i]] != histogram[types[j]] {
			return histogram[types[i]] > histogram[types[j]]
		}
		return types[i] < types[j]
	})
	if len(types) > k {
		types = types[:k]
	}
	return types
}
