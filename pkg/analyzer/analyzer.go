package analyzer

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/probehound/probehound/pkg/models"
)

// Input is one baseline/mutant response pair plus the test case that
// produced the mutant.
type Input struct {
	TestCase *models.TestCase
	Baseline *models.Response
	Mutant   *models.Response

	// ConfidenceThreshold gates is_potential_vulnerability; the caller
	// resolves the flow-level override against the process default.
	ConfidenceThreshold float64
}

// Analyzer runs the detector dispatch over response pairs. It is pure:
// fixed inputs always produce the same anomalies, and it never fails a
// replay — a detector that cannot compute its verdict is skipped.
type Analyzer struct {
	registry *Registry
}

// New creates an Analyzer over the live detection catalog.
func New(registry *Registry) *Analyzer {
	if registry == nil {
		panic("analyzer.New: registry must not be nil")
	}
	return &Analyzer{registry: registry}
}

// Analyze maps a response pair to at most one anomaly per signal
// category. Detectors run in fixed order; within a category the first
// that fires wins.
func (a *Analyzer) Analyze(in Input) []*models.Anomaly {
	if in.TestCase == nil || in.Baseline == nil || in.Mutant == nil {
		return nil
	}
	catalog := a.registry.Current()

	type verdict struct {
		anomalyType models.AnomalyType
		confidence  float64
		description string
	}

	fired := map[string]verdict{}
	record := func(signal string, t models.AnomalyType, confidence float64, description string) {
		if _, done := fired[signal]; done {
			return
		}
		fired[signal] = verdict{anomalyType: t, confidence: clamp01(confidence), description: description}
	}

	// Detectors run in fixed order regardless of catalog entry order;
	// removing an entry from the catalog disables the detector.
	if d := catalog.Get(DetectorStatusTransition); d != nil {
		if t, conf, desc, ok := detectStatusTransition(in, d.Params); ok {
			record(SignalStatus, t, conf, desc)
		}
	}
	if d := catalog.Get(DetectorStatusUpgrade); d != nil {
		if conf, desc, ok := detectStatusUpgrade(in, d.Params); ok {
			record(SignalStatus, models.AnomalyParameterTampering, conf, desc)
		}
	}
	if d := catalog.Get(DetectorContentLengthDelta); d != nil {
		if conf, desc, ok := detectContentLengthDelta(in, d.Params); ok {
			record(SignalContent, models.AnomalyInformationDisclosure, conf, desc)
		}
	}
	if d := catalog.Get(DetectorBodyDrift); d != nil {
		if conf, desc, ok := detectBodyDrift(in, d.Params); ok {
			record(SignalContent, models.AnomalyInformationDisclosure, conf, desc)
		}
	}
	if d := catalog.Get(DetectorTimingDelta); d != nil {
		if conf, desc, ok := detectTimingDelta(in, d.Params); ok {
			record(SignalTiming, models.AnomalyTimingAnomaly, conf, desc)
		}
	}
	if d := catalog.Get(DetectorSequenceBypass); d != nil {
		if conf, desc, ok := detectSequenceBypass(in, d.Params); ok {
			record(SignalSequence, models.AnomalySequenceManipulation, conf, desc)
		}
	}

	if len(fired) == 0 {
		return nil
	}

	// Deterministic output order.
	anomalies := make([]*models.Anomaly, 0, len(fired))
	for _, signal := range []string{SignalStatus, SignalContent, SignalTiming, SignalSequence} {
		v, ok := fired[signal]
		if !ok {
			continue
		}
		severity := severityFor(v.anomalyType, v.confidence, lengthRatio(in.Baseline, in.Mutant))
		anomalies = append(anomalies, &models.Anomaly{
			FlowID:                   in.TestCase.FlowID,
			TestCaseID:               in.TestCase.ID,
			Type:                     v.anomalyType,
			Severity:                 severity,
			Confidence:               v.confidence,
			IsPotentialVulnerability: severity.Rank() >= models.SeverityMedium.Rank() && v.confidence >= in.ConfidenceThreshold,
			VulnerabilityType:        vulnerabilityClass(v.anomalyType),
			OriginalStatus:           in.Baseline.Status,
			ReplayedStatus:           in.Mutant.Status,
			OriginalContentLength:    in.Baseline.ContentLength,
			ReplayedContentLength:    in.Mutant.ContentLength,
			Description:              v.description,
			Status:                   models.AnomalyStatusNew,
			CatalogVersion:           catalog.Version,
		})
	}
	return anomalies
}

// --- Detectors ---

// detectStatusTransition fires when the baseline denied (401/403) and the
// mutant succeeded. Identity-substituting mutations classify as privilege
// escalation, other auth mutations as unauthorized access.
func detectStatusTransition(in Input, p Params) (models.AnomalyType, float64, string, bool) {
	bs, ms := in.Baseline.Status, in.Mutant.Status
	if bs == nil || ms == nil {
		return "", 0, "", false
	}
	if (*bs != 401 && *bs != 403) || !in.Mutant.Succeeded() {
		return "", 0, "", false
	}
	if in.TestCase.Category != models.CategoryAuth && !targetsIdentity(in.TestCase) {
		return "", 0, "", false
	}

	t := models.AnomalyUnauthorizedAccess
	if targetsIdentity(in.TestCase) {
		t = models.AnomalyPrivilegeEscalation
	}
	desc := fmt.Sprintf("baseline denied with %d but mutant %q succeeded with %d",
		*bs, in.TestCase.Type, *ms)
	return t, p.BaseConfidence, desc, true
}

// targetsIdentity reports whether the mutation rewrites identity or
// token material.
func targetsIdentity(tc *models.TestCase) bool {
	switch tc.Mutation.Op {
	case models.OpIdentitySwap, models.OpTokenClaimSet:
		return true
	}
	return tc.Mutation.TargetKind == models.TargetIdentity
}

// detectStatusUpgrade fires when a non-auth 4xx baseline turns into a
// mutant success.
func detectStatusUpgrade(in Input, p Params) (float64, string, bool) {
	bs, ms := in.Baseline.Status, in.Mutant.Status
	if bs == nil || ms == nil {
		return 0, "", false
	}
	if *bs < 400 || *bs >= 500 || *bs == 401 || *bs == 403 || !in.Mutant.Succeeded() {
		return 0, "", false
	}
	desc := fmt.Sprintf("baseline rejected with %d but mutant %q succeeded with %d",
		*bs, in.TestCase.Type, *ms)
	return p.BaseConfidence, desc, true
}

// detectContentLengthDelta fires when both sides succeeded but the body
// sizes diverge beyond the ratio and absolute floors.
func detectContentLengthDelta(in Input, p Params) (float64, string, bool) {
	if !in.Baseline.Succeeded() || !in.Mutant.Succeeded() {
		return 0, "", false
	}
	delta := in.Mutant.ContentLength - in.Baseline.ContentLength
	if delta < 0 {
		delta = -delta
	}
	ratio := lengthRatio(in.Baseline, in.Mutant)
	if ratio < p.MinRatio || delta < p.MinBytes {
		return 0, "", false
	}

	// Scale confidence with the ratio, clamped to the configured band.
	conf := p.ConfidenceMin + (p.ConfidenceMax-p.ConfidenceMin)*min1(ratio/2)
	desc := fmt.Sprintf("response size changed from %d to %d bytes (ratio %.2f)",
		in.Baseline.ContentLength, in.Mutant.ContentLength, ratio)
	return conf, desc, true
}

func lengthRatio(baseline, mutant *models.Response) float64 {
	delta := float64(mutant.ContentLength - baseline.ContentLength)
	if delta < 0 {
		delta = -delta
	}
	max := float64(baseline.ContentLength)
	if float64(mutant.ContentLength) > max {
		max = float64(mutant.ContentLength)
	}
	if max < 1 {
		max = 1
	}
	return delta / max
}

// detectBodyDrift fires when both sides return JSON objects and the
// mutant exposes new top-level keys. Non-JSON bodies skip the detector.
func detectBodyDrift(in Input, p Params) (float64, string, bool) {
	if !in.Baseline.Succeeded() || !in.Mutant.Succeeded() {
		return 0, "", false
	}
	baseKeys, ok := topLevelKeys(in.Baseline.Body)
	if !ok {
		return 0, "", false
	}
	mutantKeys, ok := topLevelKeys(in.Mutant.Body)
	if !ok {
		return 0, "", false
	}

	var added []string
	for k := range mutantKeys {
		if !baseKeys[k] {
			added = append(added, k)
		}
	}
	if len(added) < p.MinNewKeys {
		return 0, "", false
	}
	sort.Strings(added)
	desc := fmt.Sprintf("mutant response exposes new fields: %s", strings.Join(added, ", "))
	return p.Confidence, desc, true
}

func topLevelKeys(body []byte) (map[string]bool, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, false
	}
	keys := make(map[string]bool, len(obj))
	for k := range obj {
		keys[k] = true
	}
	return keys, true
}

// detectTimingDelta fires when statuses agree but response times diverge
// by the configured factor in either direction.
func detectTimingDelta(in Input, p Params) (float64, string, bool) {
	bs, ms := in.Baseline.Status, in.Mutant.Status
	if bs == nil || ms == nil || *bs != *ms {
		return 0, "", false
	}
	base, mutant := in.Baseline.ResponseTimeMS, in.Mutant.ResponseTimeMS
	if base < p.MinBaselineMS {
		return 0, "", false
	}
	if float64(mutant) < float64(base)*p.Factor && float64(base) < float64(mutant)*p.Factor {
		return 0, "", false
	}
	desc := fmt.Sprintf("response time shifted from %dms to %dms under identical status %d",
		base, mutant, *bs)
	return p.Confidence, desc, true
}

// detectSequenceBypass fires when a sequence mutation that skipped a
// prerequisite still succeeded.
func detectSequenceBypass(in Input, p Params) (float64, string, bool) {
	if in.TestCase.Category != models.CategorySequence {
		return 0, "", false
	}
	if !in.Mutant.Succeeded() {
		return 0, "", false
	}
	desc := fmt.Sprintf("step succeeded with %d despite sequence mutation %q (step %d)",
		in.Mutant.StatusOrZero(), in.TestCase.Type, in.TestCase.Mutation.TargetIndex)
	return p.Confidence, desc, true
}

// --- Scoring helpers ---

// severityFor derives severity from (type, confidence, length ratio).
func severityFor(t models.AnomalyType, confidence, lenRatio float64) models.Severity {
	switch t {
	case models.AnomalyUnauthorizedAccess, models.AnomalyPrivilegeEscalation:
		if confidence >= 0.85 {
			return models.SeverityCritical
		}
		return models.SeverityHigh
	case models.AnomalySequenceManipulation, models.AnomalyParameterTampering:
		if confidence >= 0.8 {
			return models.SeverityHigh
		}
		return models.SeverityMedium
	case models.AnomalyInformationDisclosure:
		switch {
		case lenRatio >= 2.0:
			return models.SeverityHigh
		case lenRatio >= 0.3:
			return models.SeverityMedium
		default:
			return models.SeverityLow
		}
	case models.AnomalyTimingAnomaly:
		if confidence >= 0.5 {
			return models.SeverityMedium
		}
		return models.SeverityLow
	default:
		return models.SeverityInfo
	}
}

// vulnerabilityClass maps an anomaly type to its weakness family.
func vulnerabilityClass(t models.AnomalyType) string {
	switch t {
	case models.AnomalyUnauthorizedAccess, models.AnomalyPrivilegeEscalation:
		return "broken_access_control"
	case models.AnomalyParameterTampering:
		return "business_logic_abuse"
	case models.AnomalyInformationDisclosure:
		return "excessive_data_exposure"
	case models.AnomalySequenceManipulation:
		return "workflow_bypass"
	case models.AnomalyTimingAnomaly:
		return "side_channel"
	default:
		return ""
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}
