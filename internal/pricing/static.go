package pricing

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"gopkg.in/yaml.v3"
)

//go:embed static_prices.yaml
var defaultStaticPrices []byte

type staticFile struct {
	Symbols   map[string]float64                 `yaml:"symbols"`
	Aliases   map[string]string                  `yaml:"aliases"`
	Addresses map[model.Chain]map[string]float64 `yaml:"addresses"`
}

// StaticTable is the hardcoded fallback: per-chain contract prices first,
// then symbol prices with wrapped-asset aliases.
type StaticTable struct {
	mu        sync.RWMutex
	bySymbol  map[string]float64
	aliases   map[string]string
	byAddress map[model.Chain]map[string]float64
}

func (*StaticTable) Name() string { return "static_table" }

func (s *StaticTable) Resolve(_ context.Context, q Query) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if byAddr, ok := s.byAddress[q.Chain]; ok && q.Address != "" {
		if p, ok := byAddr[normalizeAddress(q.Address)]; ok {
			return p, true, nil
		}
	}
	sym := normalizeSymbol(q.Symbol)
	if alias, ok := s.aliases[sym]; ok {
		sym = alias
	}
	p, ok := s.bySymbol[sym]
	return p, ok, nil
}

// Set overrides a symbol price, used when an operator feeds native prices.
func (s *StaticTable) Set(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySymbol[normalizeSymbol(symbol)] = price
}

func DefaultStaticTable() *StaticTable {
	t, err := ParseStaticTable(defaultStaticPrices)
	if err != nil {
		panic(fmt.Sprintf("embedded static prices: %v", err))
	}
	return t
}

// LoadStaticTable merges the YAML file at path over the embedded defaults.
func LoadStaticTable(path string) (*StaticTable, error) {
	t := DefaultStaticTable()
	if path == "" {
		return t, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open price table: %w", err)
	}
	defer f.Close()
	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read price table: %w", err)
	}
	override, err := ParseStaticTable(raw)
	if err != nil {
		return nil, err
	}
	for sym, p := range override.bySymbol {
		t.bySymbol[sym] = p
	}
	for sym, target := range override.aliases {
		t.aliases[sym] = target
	}
	for chain, m := range override.byAddress {
		if t.byAddress[chain] == nil {
			t.byAddress[chain] = make(map[string]float64)
		}
		for addr, p := range m {
			t.byAddress[chain][addr] = p
		}
	}
	return t, nil
}

func ParseStaticTable(raw []byte) (*StaticTable, error) {
	var f staticFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse price table: %w", err)
	}
	t := &StaticTable{
		bySymbol:  make(map[string]float64, len(f.Symbols)),
		aliases:   make(map[string]string, len(f.Aliases)),
		byAddress: make(map[model.Chain]map[string]float64, len(f.Addresses)),
	}
	for sym, p := range f.Symbols {
		if p < 0 {
			return nil, fmt.Errorf("parse price table: negative price for %s", sym)
		}
		t.bySymbol[normalizeSymbol(sym)] = p
	}
	for from, to := range f.Aliases {
		t.aliases[normalizeSymbol(from)] = normalizeSymbol(to)
	}
	for chain, m := range f.Addresses {
		inner := make(map[string]float64, len(m))
		for addr, p := range m {
			inner[normalizeAddress(addr)] = p
		}
		t.byAddress[chain] = inner
	}
	return t, nil
}
