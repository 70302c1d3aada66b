package plans

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Source loads plan definitions and the feature cost table.
type Source interface {
	Load(ctx context.Context) ([]Plan, map[Feature]int64, error)
}

type memorySource struct {
	plans []Plan
	costs map[Feature]int64
}

// NewMemorySource returns a Source over a deep copy of the given plans and costs.
func NewMemorySource(list []Plan, costs map[Feature]int64) Source {
	cp := make([]Plan, 0, len(list))
	for _, p := range list {
		cp = append(cp, p.clone())
	}
	return &memorySource{plans: cp, costs: maps.Clone(costs)}
}

// NewDefaultSource serves DefaultPlans and DefaultCosts.
func NewDefaultSource() Source {
	return NewMemorySource(DefaultPlans(), DefaultCosts())
}

func (s *memorySource) Load(context.Context) ([]Plan, map[Feature]int64, error) {
	out := make([]Plan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p.clone())
	}
	return out, maps.Clone(s.costs), nil
}

// catalogFile is the on-disk layout of a plans file.
type catalogFile struct {
	Plans []Plan            `yaml:"plans"`
	Costs map[Feature]int64 `yaml:"costs"`
}

type yamlSource struct {
	path string
}

// NewYAMLSource reads plans from a YAML file of the form:
//
//	costs:
//	  resume_generation: 1
//	plans:
//	  - id: free
//	    free: true
//	    monthly_credits: 3
//	    features: [resume_generation]
func NewYAMLSource(path string) Source {
	return &yamlSource{path: path}
}

func (s *yamlSource) Load(context.Context) ([]Plan, map[Feature]int64, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("read plans file %s: %w", s.path, err)
	}
	return ParseYAML(raw)
}

// ParseYAML decodes a plans document.
func ParseYAML(raw []byte) ([]Plan, map[Feature]int64, error) {
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, nil, fmt.Errorf("decode plans: %w", err)
	}
	for i := range f.Plans {
		f.Plans[i].Features = slices.Compact(slices.Sorted(slices.Values(f.Plans[i].Features)))
	}
	return f.Plans, f.Costs, nil
}
