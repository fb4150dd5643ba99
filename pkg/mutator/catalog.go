// Package mutator derives test cases from baseline requests using a
// declarative, versioned rule catalog. The catalog is the product's only
// extension point: rules are data, generation is deterministic, and
// regenerating an identical mutation de-duplicates instead of inserting
// twins.
package mutator

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/probehound/probehound/pkg/models"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Selector picks the mutation site inside a request. An empty Name (or,
// for path segments, a zero Index) means "every site of this kind" —
// each query parameter, each top-level JSON field, each path segment.
type Selector struct {
	Kind string `yaml:"kind" json:"kind"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Index addresses a single 1-based URL path segment. Only
	// meaningful with kind path_segment.
	Index int `yaml:"index,omitempty" json:"index,omitempty"`
}

// Selector kinds.
const (
	SelectQueryParam  = "query_param"
	SelectJSONField   = "json_field"
	SelectFormField   = "form_field"
	SelectHeader      = "header"
	SelectPathSegment = "path_segment"
	SelectEnvelope    = "envelope"
)

// Transform describes how the selected site is altered.
type Transform struct {
	// Op is one of: set, delete, duplicate, coerce, token_tamper,
	// sequence, privilege.
	Op string `yaml:"op" json:"op"`

	// Values fans one rule out into one test case per value (numeric
	// extremes, string boundaries). Single-value transforms use a
	// one-element list.
	Values []string `yaml:"values,omitempty" json:"values,omitempty"`

	// CoerceTo is the target of a type coercion: string, number, bool,
	// or null.
	CoerceTo string `yaml:"coerce_to,omitempty" json:"coerce_to,omitempty"`

	// Claim is the JWT claim rewritten by token_tamper.
	Claim string `yaml:"claim,omitempty" json:"claim,omitempty"`

	// SequenceOp is one of skip, repeat, swap for sequence transforms.
	SequenceOp string `yaml:"sequence_op,omitempty" json:"sequence_op,omitempty"`
}

// Predicate gates a rule on properties of the request and its flow.
// Zero-valued fields don't constrain.
type Predicate struct {
	// RequiresAuth limits the rule to requests carrying an
	// Authorization header or a Cookie.
	RequiresAuth bool `yaml:"requires_auth,omitempty" json:"requires_auth,omitempty"`

	// RequiresToken limits the rule to requests carrying a JWT-shaped
	// bearer token.
	RequiresToken bool `yaml:"requires_token,omitempty" json:"requires_token,omitempty"`

	// Methods limits the rule to the listed HTTP methods.
	Methods []string `yaml:"methods,omitempty" json:"methods,omitempty"`

	// MinFlowRequests limits the rule to flows with at least this many
	// recorded requests (sequence rules need ≥ 2).
	MinFlowRequests int `yaml:"min_flow_requests,omitempty" json:"min_flow_requests,omitempty"`

	// RequiresJSONBody limits the rule to requests with a JSON object
	// body.
	RequiresJSONBody bool `yaml:"requires_json_body,omitempty" json:"requires_json_body,omitempty"`
}

// Rule is one catalog entry.
type Rule struct {
	ID          string                  `yaml:"id" json:"id"`
	Category    models.TestCaseCategory `yaml:"category" json:"category"`
	Description string                  `yaml:"description" json:"description"`
	Target      Selector                `yaml:"target" json:"target"`
	Transform   Transform               `yaml:"transform" json:"transform"`
	When        Predicate               `yaml:"when,omitempty" json:"when,omitempty"`
}

// Catalog is a versioned rule document. The version is stamped onto every
// generated test case so historical results stay interpretable after
// catalog updates.
type Catalog struct {
	Version string `yaml:"version" json:"version"`
	Rules   []Rule `yaml:"rules" json:"rules"`
}

// Validate checks catalog well-formedness.
func (c *Catalog) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("catalog version is required")
	}
	seen := make(map[string]bool, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			return fmt.Errorf("rule %d: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("rule %q: duplicate id", r.ID)
		}
		seen[r.ID] = true
		if !models.ValidTestCaseCategory(r.Category) {
			return fmt.Errorf("rule %q: unknown category %q", r.ID, r.Category)
		}
		switch r.Transform.Op {
		case "set", "delete", "duplicate", "coerce", "token_tamper", "sequence", "privilege":
		default:
			return fmt.Errorf("rule %q: unknown transform op %q", r.ID, r.Transform.Op)
		}
		if r.Transform.Op == "sequence" {
			switch r.Transform.SequenceOp {
			case "skip", "repeat", "swap":
			default:
				return fmt.Errorf("rule %q: unknown sequence_op %q", r.ID, r.Transform.SequenceOp)
			}
			if r.Category != models.CategorySequence {
				return fmt.Errorf("rule %q: sequence transforms require the sequence category", r.ID)
			}
		}
		if r.Transform.Op == "token_tamper" && r.Transform.Claim == "" {
			return fmt.Errorf("rule %q: token_tamper requires a claim", r.ID)
		}
		if r.Target.Index < 0 {
			return fmt.Errorf("rule %q: target index cannot be negative", r.ID)
		}
		if r.Target.Index > 0 && r.Target.Kind != SelectPathSegment {
			return fmt.Errorf("rule %q: target index is only valid for path_segment selectors", r.ID)
		}
	}
	return nil
}

// ParseCatalog decodes and validates a YAML catalog document.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse mutation catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation catalog: %w", err)
	}
	return &c, nil
}

// DefaultCatalog returns the embedded catalog shipped with the binary.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded mutation catalog is invalid: %v", err))
	}
	return c
}

// Registry holds the live catalog and supports replacement at runtime by
// the control plane.
type Registry struct {
	mu      sync.RWMutex
	catalog *Catalog
}

// NewRegistry creates a registry seeded with the given catalog.
func NewRegistry(c *Catalog) *Registry {
	return &Registry{catalog: c}
}

// Current returns the active catalog.
func (r *Registry) Current() *Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog
}

// Replace swaps in a new catalog after validation.
func (r *Registry) Replace(c *Catalog) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.catalog = c
	r.mu.Unlock()
	return nil
}
