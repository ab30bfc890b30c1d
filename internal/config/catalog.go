package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// ModelSpec describes one exposed model and how to drive the upstream
// with it.
type ModelSpec struct {
	ID       string   `yaml:"id"`
	Upstream string   `yaml:"upstream"`
	Mode     string   `yaml:"mode"`
	Pools    []string `yaml:"pools"`
	Cost     string   `yaml:"cost"` // low | high, effort units consumed per request
	Image    bool     `yaml:"image"`
	Think    bool     `yaml:"think"` // reasoning deltas arrive with isThinking
}

// Catalog is the model catalog plus stream filter tags.
type Catalog struct {
	Models []ModelSpec `yaml:"models"`

	// FilterTags are upstream XML-ish tags whose chunks are dropped from
	// streamed output.
	FilterTags []string `yaml:"filter_tags"`
}

// defaultCatalog mirrors the shipped model table.
func defaultCatalog() *Catalog {
	return &Catalog{
		Models: []ModelSpec{
			{ID: "grok-3", Upstream: "grok-3", Mode: "MODEL_MODE_GROK_3", Pools: []string{"basic", "super"}, Cost: "low"},
			{ID: "grok-4", Upstream: "grok-4", Mode: "MODEL_MODE_GROK_4", Pools: []string{"super", "basic"}, Cost: "high", Think: true},
			{ID: "grok-4-fast", Upstream: "grok-4-mini-thinking-tahoe", Mode: "MODEL_MODE_GROK_4_MINI_THINKING", Pools: []string{"basic", "super"}, Cost: "low", Think: true},
			{ID: "grok-4-heavy", Upstream: "grok-4-heavy", Mode: "MODEL_MODE_GROK_4_HEAVY", Pools: []string{"super"}, Cost: "high", Think: true},
			{ID: "grok-imagine", Upstream: "grok-3", Mode: "MODEL_MODE_GROK_3", Pools: []string{"basic", "super"}, Cost: "low", Image: true},
		},
		FilterTags: []string{"xaiartifact", "xai:tool_usage_card", "grok:render", "details", "summary"},
	}
}

// LoadCatalog reads the catalog from path, or returns the shipped default
// when path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return defaultCatalog(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	var catalog Catalog
	if err := yaml.NewDecoder(f).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if len(catalog.Models) == 0 {
		catalog.Models = defaultCatalog().Models
	}
	if len(catalog.FilterTags) == 0 {
		catalog.FilterTags = defaultCatalog().FilterTags
	}
	return &catalog, nil
}

// Get returns the spec for an exposed model ID.
func (c *Catalog) Get(id string) (ModelSpec, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// EffortCost maps a model's cost class onto effort units.
func (p Pool) EffortCost(spec ModelSpec) int {
	if spec.Cost == "high" {
		return p.EffortHigh
	}
	return p.EffortLow
}
