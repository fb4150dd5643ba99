package models

import "time"

// Severity ranks an anomaly's impact.
type Severity string

// Severities, most severe first.
const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
	SeverityInfo     Severity = "Info"
)

// Rank returns a numeric order for severity comparisons (higher is worse).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AnomalyType classifies the suspected weakness.
type AnomalyType string

// Anomaly types emitted by the detectors.
const (
	AnomalyUnauthorizedAccess    AnomalyType = "unauthorized_access"
	AnomalyPrivilegeEscalation   AnomalyType = "privilege_escalation"
	AnomalyParameterTampering    AnomalyType = "parameter_tampering"
	AnomalyInformationDisclosure AnomalyType = "information_disclosure"
	AnomalyTimingAnomaly         AnomalyType = "timing_anomaly"
	AnomalySequenceManipulation  AnomalyType = "sequence_manipulation"
)

// AnomalyStatus is the triage state of an anomaly.
type AnomalyStatus string

// Anomaly triage states.
const (
	AnomalyStatusNew           AnomalyStatus = "new"
	AnomalyStatusConfirmed     AnomalyStatus = "confirmed"
	AnomalyStatusFalsePositive AnomalyStatus = "false_positive"
)

// ValidAnomalyStatus reports whether s is a known triage state.
func ValidAnomalyStatus(s AnomalyStatus) bool {
	switch s {
	case AnomalyStatusNew, AnomalyStatusConfirmed, AnomalyStatusFalsePositive:
		return true
	}
	return false
}

// Anomaly is a scored, typed diff between a baseline and a mutant
// response. Confidence is calibrated belief in [0,1]; severity is a pure
// function of (type, confidence, diff magnitude).
type Anomaly struct {
	ID                       string        `json:"anomaly_id"`
	FlowID                   string        `json:"flow_id"`
	TestCaseID               string        `json:"test_case_id"`
	Type                     AnomalyType   `json:"type"`
	Severity                 Severity      `json:"severity"`
	Confidence               float64       `json:"confidence"`
	IsPotentialVulnerability bool          `json:"is_potential_vulnerability"`
	VulnerabilityType        string        `json:"vulnerability_type,omitempty"`
	OriginalStatus           *int          `json:"original_status"`
	ReplayedStatus           *int          `json:"replayed_status"`
	OriginalContentLength    int64         `json:"original_content_length"`
	ReplayedContentLength    int64         `json:"replayed_content_length"`
	Description              string        `json:"description"`
	Status                   AnomalyStatus `json:"status"`
	CatalogVersion           string        `json:"catalog_version"`
	CreatedAt                time.Time     `json:"created_at"`
}

// AnomalyList is a page of anomalies plus the unpaginated total.
type AnomalyList struct {
	Anomalies []*Anomaly `json:"anomalies"`
	Total     int        `json:"total"`
}
