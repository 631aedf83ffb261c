// Package pricing loads unit cost overrides from a YAML file.
//
// Example file:
//
//	unit_costs:
//	  script_generation: 12
//	  thumbnail_generation: 6
//
// Features left out keep their built-in cost.
package pricing

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/DukeRupert/credits/internal/domain"
	"gopkg.in/yaml.v3"
)

// File is the on-disk pricing document.
type File struct {
	UnitCosts map[string]int64 `yaml:"unit_costs"`
}

// Load reads path and builds the price list. An empty path returns the
// built-in prices.
func Load(path string) (*domain.Pricing, error) {
	if path == "" {
		return domain.DefaultPricing(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("pricing file %s: %w", path, err)
	}
	return p, nil
}

// Parse builds the price list from a YAML document. Unknown keys are rejected.
func Parse(data []byte) (*domain.Pricing, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse pricing: %w", err)
	}

	overrides := make(map[domain.Feature]int64, len(f.UnitCosts))
	for name, cost := range f.UnitCosts {
		overrides[domain.Feature(name)] = cost
	}
	return domain.NewPricing(overrides)
}
