// Package analyzer decides whether a baseline-vs-mutant response pair
// constitutes an anomaly, classifies it, and scores it. Detectors are
// data, not subclasses: each is a tagged catalog entry with parameters,
// and a single dispatch function maps a response pair to at most one
// anomaly per signal category.
package analyzer

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultCatalogYAML []byte

// Detector ids, in dispatch order.
const (
	DetectorStatusTransition   = "status-transition"
	DetectorStatusUpgrade      = "status-upgrade"
	DetectorContentLengthDelta = "content-length-delta"
	DetectorBodyDrift          = "body-structural-drift"
	DetectorTimingDelta        = "timing-delta"
	DetectorSequenceBypass     = "sequence-bypass"
)

// Signal categories. Within one category the first detector that fires
// wins; detectors from different categories may each fire.
const (
	SignalStatus   = "status"
	SignalContent  = "content"
	SignalTiming   = "timing"
	SignalSequence = "sequence"
)

// Params carries a detector's tunable numbers. The values in the shipped
// catalog are calibrated defaults, not constants; operators replace them
// through the control plane. HighSeverityRatio is parsed and stored but
// not read by the analyzer: information_disclosure severity uses the
// fixed length ratio cut-offs in severityFor (2.0 for High, 0.3 for
// Medium).
type Params struct {
	BaseConfidence    float64 `yaml:"base_confidence,omitempty" json:"base_confidence,omitempty"`
	Confidence        float64 `yaml:"confidence,omitempty" json:"confidence,omitempty"`
	ConfidenceMin     float64 `yaml:"confidence_min,omitempty" json:"confidence_min,omitempty"`
	ConfidenceMax     float64 `yaml:"confidence_max,omitempty" json:"confidence_max,omitempty"`
	MinRatio          float64 `yaml:"min_ratio,omitempty" json:"min_ratio,omitempty"`
	MinBytes          int64   `yaml:"min_bytes,omitempty" json:"min_bytes,omitempty"`
	HighSeverityRatio float64 `yaml:"high_severity_ratio,omitempty" json:"high_severity_ratio,omitempty"`
	MinNewKeys        int     `yaml:"min_new_keys,omitempty" json:"min_new_keys,omitempty"`
	Factor            float64 `yaml:"factor,omitempty" json:"factor,omitempty"`
	MinBaselineMS     int64   `yaml:"min_baseline_ms,omitempty" json:"min_baseline_ms,omitempty"`
}

// Detector is one catalog entry.
type Detector struct {
	ID     string `yaml:"id" json:"id"`
	Signal string `yaml:"signal" json:"signal"`
	Params Params `yaml:"params" json:"params"`
}

// Catalog is the versioned detection rule document. The version is
// stamped onto every anomaly.
type Catalog struct {
	Version   string     `yaml:"version" json:"version"`
	Detectors []Detector `yaml:"detectors" json:"detectors"`
}

// Validate checks catalog well-formedness.
func (c *Catalog) Validate() error {
	if c.Version == "" {
		return fmt.Errorf("catalog version is required")
	}
	seen := make(map[string]bool, len(c.Detectors))
	for i, d := range c.Detectors {
		if d.ID == "" {
			return fmt.Errorf("detector %d: id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("detector %q: duplicate id", d.ID)
		}
		seen[d.ID] = true
		switch d.ID {
		case DetectorStatusTransition, DetectorStatusUpgrade, DetectorContentLengthDelta,
			DetectorBodyDrift, DetectorTimingDelta, DetectorSequenceBypass:
		default:
			return fmt.Errorf("detector %q: unknown detector id", d.ID)
		}
		switch d.Signal {
		case SignalStatus, SignalContent, SignalTiming, SignalSequence:
		default:
			return fmt.Errorf("detector %q: unknown signal %q", d.ID, d.Signal)
		}
	}
	return nil
}

// Get returns the catalog entry for a detector id, or nil if the entry
// was removed from the catalog (removal disables the detector).
func (c *Catalog) Get(id string) *Detector {
	for i := range c.Detectors {
		if c.Detectors[i].ID == id {
			return &c.Detectors[i]
		}
	}
	return nil
}

// ParseCatalog decodes and validates a YAML detection catalog.
func ParseCatalog(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to parse detection catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detection catalog: %w", err)
	}
	return &c, nil
}

// DefaultCatalog returns the embedded catalog shipped with the binary.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded detection catalog is invalid: %v", err))
	}
	return c
}

// Registry holds the live detection catalog for runtime replacement.
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
