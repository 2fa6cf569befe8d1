package provider

import (
	_ "embed"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"gopkg.in/yaml.v3"
)

//go:embed providers.yaml
var defaultTable []byte

// Spec is one provider's row in the chain-support table.
type Spec struct {
	Provider         model.Provider
	Chains           []model.Chain
	OperationTimeout time.Duration
	MaxAttempts      int
	Granular         bool
	Disabled         bool
}

type specFile struct {
	Providers []struct {
		Slug           string   `yaml:"slug"`
		Chains         []string `yaml:"chains"`
		TimeoutSeconds int      `yaml:"timeout_seconds"`
		MaxAttempts    int      `yaml:"max_attempts"`
		Granular       bool     `yaml:"granular"`
		Disabled       bool     `yaml:"disabled"`
	} `yaml:"providers"`
}

// Table answers which providers serve which chains.
type Table struct {
	specs map[model.Provider]Spec
	order []model.Provider
}

func DefaultTable() *Table {
	t, err := ParseTable(defaultTable)
	if err != nil {
		panic(fmt.Sprintf("embedded provider table: %v", err))
	}
	return t
}

// LoadTable reads the table from path, or the embedded default when path is empty.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider table: %w", err)
	}
	return ParseTable(raw)
}

func ParseTable(raw []byte) (*Table, error) {
	var f specFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse provider table: %w", err)
	}
	t := &Table{specs: make(map[model.Provider]Spec, len(f.Providers))}
	for _, row := range f.Providers {
		p, err := model.ParseProvider(row.Slug)
		if err != nil {
			return nil, fmt.Errorf("parse provider table: %w", err)
		}
		if _, dup := t.specs[p]; dup {
			return nil, fmt.Errorf("parse provider table: duplicate provider %s", p)
		}
		spec := Spec{
			Provider:         p,
			OperationTimeout: time.Duration(row.TimeoutSeconds) * time.Second,
			MaxAttempts:      row.MaxAttempts,
			Granular:         row.Granular,
			Disabled:         row.Disabled,
		}
		for _, raw := range row.Chains {
			c, err := model.ParseChain(raw)
			if err != nil {
				return nil, fmt.Errorf("parse provider table: %s: %w", p, err)
			}
			spec.Chains = append(spec.Chains, c)
		}
		t.specs[p] = spec
		t.order = append(t.order, p)
	}
	return t, nil
}

func (t *Table) Spec(p model.Provider) (Spec, bool) {
	s, ok := t.specs[p]
	return s, ok
}

func (t *Table) Supports(p model.Provider, chain model.Chain) bool {
	s, ok := t.specs[p]
	return ok && !s.Disabled && slices.Contains(s.Chains, chain)
}

// Eligible lists enabled providers for chain in table order.
func (t *Table) Eligible(chain model.Chain) []model.Provider {
	var out []model.Provider
	for _, p := range t.order {
		if t.Supports(p, chain) {
			out = append(out, p)
		}
	}
	return out
}

func (t *Table) Providers() []model.Provider {
	return slices.Clone(t.order)
}
