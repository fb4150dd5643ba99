package scoring

import "github.com/probehound/probehound/pkg/models"

// Recommendation phrases. The mapping from findings to phrases is a
// fixed table, never free text, so downstream pipelines can key on the
// exact strings.
const (
	recImmediateReview = "Immediate review required: critical findings indicate exploitable access-control gaps."
	recPrioritizeHigh  = "Prioritize remediation of high-severity findings before the next release."
	recAccessControl   = "Enforce server-side authorization on every endpoint; do not rely on client state."
	recTokenValidation = "Verify token signatures and reject unsigned or re-signed tokens."
	recInputValidation = "Validate and bound all client-supplied parameters server-side."
	recResponseAudit   = "Audit response payloads for fields leaking beyond the caller's privilege."
	recWorkflowGuards  = "Add server-side workflow-state guards so steps cannot be skipped or reordered."
	recTimingReview    = "Review timing-sensitive code paths for data-dependent behavior."
	recMonitorOnly     = "No high-impact findings; continue monitoring with scheduled replays."
)

// typeRecommendations maps each anomaly type to its fixed phrase.
var typeRecommendations = map[models.AnomalyType]string{
	models.AnomalyUnauthorizedAccess:    recAccessControl,
	models.AnomalyPrivilegeEscalation:   recTokenValidation,
	models.AnomalyParameterTampering:    recInputValidation,
	models.AnomalyInformationDisclosure: recResponseAudit,
	models.AnomalySequenceManipulation:  recWorkflowGuards,
	models.AnomalyTimingAnomaly:         recTimingReview,
}

// recommend maps the severity histogram and the top anomaly types to the
// fixed phrase set, deduplicated, in deterministic order.
func recommend(severities map[models.Severity]int, top []models.AnomalyType) []string {
	var out []string
	seen := map[string]bool{}
	add := func(phrase string) {
		if phrase == "" || seen[phrase] {
			return
		}
		seen[phrase] = true
		out = append(out, phrase)
	}

	if severities[models.SeverityCritical] > 0 {
		add(recImmediateReview)
	} else if severities[models.SeverityHigh] > 0 {
		add(recPrioritizeHigh)
	}

	for _, t := range top {
		add(typeRecommendations[t])
	}

	if len(out) == 0 {
		add(recMonitorOnly)
	}
	return out
}
