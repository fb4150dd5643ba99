package mutator

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/probehound/probehound/pkg/models"
)

// FlowContext is the flow-level information generation needs: how many
// requests the flow has (sequence predicates) and which alternate
// identities it carries (privilege substitution).
type FlowContext struct {
	RequestCount int
	Identities   []models.Identity
}

// Generator expands catalog rules into test cases.
type Generator struct {
	registry *Registry
}

// NewGenerator creates a Generator over the live catalog registry.
func NewGenerator(registry *Registry) *Generator {
	if registry == nil {
		panic("mutator.NewGenerator: registry must not be nil")
	}
	return &Generator{registry: registry}
}

// Generate derives the full test-case set for one baseline request. The
// result is deterministic for a given (request, catalog version, flow
// context): rules apply in catalog order and sites enumerate in sorted
// order. The returned cases carry no IDs; the store assigns them and
// de-duplicates on the mutation record.
func (g *Generator) Generate(req *models.Request, flow FlowContext) ([]*models.TestCase, error) {
	catalog := g.registry.Current()

	shape, err := inspect(req)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect request %s: %w", req.ID, err)
	}

	var cases []*models.TestCase
	for i := range catalog.Rules {
		rule := &catalog.Rules[i]
		if !rule.When.matches(req, shape, flow) {
			continue
		}
		for _, m := range expandRule(rule, req, shape, flow) {
			cases = append(cases, &models.TestCase{
				RequestID:      req.ID,
				FlowID:         req.FlowID,
				Category:       rule.Category,
				Type:           rule.ID,
				Description:    describeMutation(rule, m),
				Mutation:       m,
				CatalogVersion: catalog.Version,
			})
		}
	}
	return cases, nil
}

// requestShape is the parsed view of a request used by predicates and
// site enumeration.
type requestShape struct {
	queryParams []string
	pathDepth   int
	jsonFields  []string // sorted top-level keys of a JSON object body
	formFields  []string
	hasAuth     bool
	hasToken    bool
}

func inspect(req *models.Request) (*requestShape, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}

	shape := &requestShape{}

	for name := range u.Query() {
		shape.queryParams = append(shape.queryParams, name)
	}
	sort.Strings(shape.queryParams)

	path := strings.Trim(u.Path, "/")
	if path != "" {
		shape.pathDepth = len(strings.Split(path, "/"))
	}

	contentType := headerValue(req.Headers, "Content-Type")
	switch {
	case strings.Contains(contentType, "json") || looksLikeJSONObject(req.Body):
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(req.Body, &obj); err == nil {
			for k := range obj {
				shape.jsonFields = append(shape.jsonFields, k)
			}
			sort.Strings(shape.jsonFields)
		}
	case strings.Contains(contentType, "x-www-form-urlencoded"):
		if form, err := url.ParseQuery(string(req.Body)); err == nil {
			for k := range form {
				shape.formFields = append(shape.formFields, k)
			}
			sort.Strings(shape.formFields)
		}
	}

	shape.hasAuth = headerValue(req.Headers, "Authorization") != "" ||
		headerValue(req.Headers, "Cookie") != ""
	shape.hasToken = bearerJWT(req.Headers) != ""

	return shape, nil
}

func looksLikeJSONObject(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{")
}

// headerValue performs a case-insensitive header lookup.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// bearerJWT extracts a JWT-shaped bearer token, or "".
func bearerJWT(headers map[string]string) string {
	auth := headerValue(headers, "Authorization")
	if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return ""
	}
	token := strings.TrimSpace(auth[len("Bearer "):])
	if strings.Count(token, ".") != 2 {
		return ""
	}
	return token
}

func (p Predicate) matches(req *models.Request, shape *requestShape, flow FlowContext) bool {
	if p.RequiresAuth && !shape.hasAuth {
		return false
	}
	if p.RequiresToken && !shape.hasToken {
		return false
	}
	if p.MinFlowRequests > 0 && flow.RequestCount < p.MinFlowRequests {
		return false
	}
	if p.RequiresJSONBody && len(shape.jsonFields) == 0 {
		return false
	}
	if len(p.Methods) > 0 {
		ok := false
		for _, m := range p.Methods {
			if strings.EqualFold(m, req.Method) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// expandRule enumerates the rule's mutation records: one per (site,
// value) combination, in deterministic order.
func expandRule(rule *Rule, req *models.Request, shape *requestShape, flow FlowContext) []models.Mutation {
	switch rule.Transform.Op {
	case "sequence":
		return expandSequence(rule, req, flow)
	case "privilege":
		return expandPrivilege(rule, flow)
	case "token_tamper":
		return expandTokenTamper(rule)
	default:
		return expandSite(rule, shape)
	}
}

func expandSite(rule *Rule, shape *requestShape) []models.Mutation {
	sites := enumerateSites(rule.Target, shape)
	if len(sites) == 0 {
		return nil
	}

	values := rule.Transform.Values
	op := siteOp(rule.Transform.Op)
	if op != models.OpSet || len(values) == 0 {
		values = []string{""}
	}

	var out []models.Mutation
	for _, site := range sites {
		for _, v := range values {
			m := models.Mutation{
				RuleID:      rule.ID,
				TargetKind:  site.kind,
				TargetName:  site.name,
				TargetIndex: site.index,
				Op:          op,
			}
			if op == models.OpSet {
				m.Value = expandValueMacro(v)
			}
			if rule.Transform.Op == "coerce" {
				m.Value = rule.Transform.CoerceTo
			}
			out = append(out, m)
		}
	}
	return out
}

func siteOp(transformOp string) string {
	switch transformOp {
	case "delete":
		return models.OpDelete
	case "duplicate":
		return models.OpDuplicate
	case "coerce":
		return models.OpCoerce
	default:
		return models.OpSet
	}
}

type site struct {
	kind  string
	name  string
	index int
}

func enumerateSites(target Selector, shape *requestShape) []site {
	if target.Kind == SelectPathSegment {
		if target.Index > 0 {
			if target.Index > shape.pathDepth {
				return nil
			}
			return []site{{kind: models.TargetPathSegment, index: target.Index}}
		}
		sites := make([]site, 0, shape.pathDepth)
		for i := 1; i <= shape.pathDepth; i++ {
			sites = append(sites, site{kind: models.TargetPathSegment, index: i})
		}
		return sites
	}
	if target.Name != "" {
		return []site{{kind: mutationTargetKind(target.Kind), name: target.Name}}
	}
	var names []string
	switch target.Kind {
	case SelectQueryParam:
		names = shape.queryParams
	case SelectJSONField:
		names = shape.jsonFields
	case SelectFormField:
		names = shape.formFields
	case SelectEnvelope:
		return []site{{kind: models.TargetEnvelope}}
	default:
		return nil
	}
	sites := make([]site, 0, len(names))
	for _, n := range names {
		sites = append(sites, site{kind: mutationTargetKind(target.Kind), name: n})
	}
	return sites
}

func mutationTargetKind(selectorKind string) string {
	switch selectorKind {
	case SelectQueryParam:
		return models.TargetQueryParam
	case SelectJSONField:
		return models.TargetJSONField
	case SelectFormField:
		return models.TargetFormField
	case SelectHeader:
		return models.TargetHeader
	case SelectPathSegment:
		return models.TargetPathSegment
	default:
		return models.TargetEnvelope
	}
}

func expandTokenTamper(rule *Rule) []models.Mutation {
	values := rule.Transform.Values
	if len(values) == 0 {
		values = []string{"admin"}
	}
	out := make([]models.Mutation, 0, len(values))
	for _, v := range values {
		out = append(out, models.Mutation{
			RuleID:     rule.ID,
			TargetKind: models.TargetHeader,
			TargetName: rule.Target.Name,
			Op:         models.OpTokenClaimSet,
			Claim:      rule.Transform.Claim,
			Value:      v,
		})
	}
	return out
}

func expandPrivilege(rule *Rule, flow FlowContext) []models.Mutation {
	out := make([]models.Mutation, 0, len(flow.Identities))
	for _, id := range flow.Identities {
		out = append(out, models.Mutation{
			RuleID:     rule.ID,
			TargetKind: models.TargetIdentity,
			Op:         models.OpIdentitySwap,
			Identity:   id.Name,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

func expandSequence(rule *Rule, req *models.Request, flow FlowContext) []models.Mutation {
	m := models.Mutation{
		RuleID:     rule.ID,
		TargetKind: models.TargetSequence,
	}
	switch rule.Transform.SequenceOp {
	case "skip":
		// Skip the immediately preceding ordinal; the first request has
		// no prerequisite to skip.
		if req.Ordinal < 2 {
			return nil
		}
		m.Op = models.OpSkipOrdinal
		m.TargetIndex = req.Ordinal - 1
	case "repeat":
		m.Op = models.OpRepeatOrdinal
		m.TargetIndex = req.Ordinal
	case "swap":
		if req.Ordinal < 2 {
			return nil
		}
		m.Op = models.OpSwapOrdinal
		m.TargetIndex = req.Ordinal - 1
	default:
		return nil
	}
	return []models.Mutation{m}
}

// expandValueMacro resolves {{repeat:X:N}} payload macros so oversized
// boundary strings don't bloat the catalog file.
func expandValueMacro(v string) string {
	if !strings.HasPrefix(v, "{{repeat:") || !strings.HasSuffix(v, "}}") {
		return v
	}
	parts := strings.Split(strings.TrimSuffix(strings.TrimPrefix(v, "{{repeat:"), "}}"), ":")
	if len(parts) != 2 {
		return v
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil || n < 1 {
		return v
	}
	return strings.Repeat(parts[0], n)
}

func describeMutation(rule *Rule, m models.Mutation) string {
	switch {
	case m.Op == models.OpIdentitySwap:
		return fmt.Sprintf("%s (identity %q)", rule.Description, m.Identity)
	case m.Op == models.OpSkipOrdinal:
		return fmt.Sprintf("%s (skip step %d)", rule.Description, m.TargetIndex)
	case m.Op == models.OpRepeatOrdinal:
		return fmt.Sprintf("%s (repeat step %d)", rule.Description, m.TargetIndex)
	case m.Op == models.OpSwapOrdinal:
		return fmt.Sprintf("%s (swap with step %d)", rule.Description, m.TargetIndex)
	case m.Claim != "":
		return fmt.Sprintf("%s (claim %q → %q)", rule.Description, m.Claim, m.Value)
	case m.TargetKind == models.TargetPathSegment:
		return fmt.Sprintf("%s (segment %d)", rule.Description, m.TargetIndex)
	case m.TargetName != "":
		return fmt.Sprintf("%s (%s %q)", rule.Description, m.TargetKind, m.TargetName)
	default:
		return rule.Description
	}
}
