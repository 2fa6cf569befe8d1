package pricing

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/emperorhan/position-aggregator/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubResolver struct {
	name  string
	price float64
	ok    bool
	err   error
	seen  []Query
}

func (s *stubResolver) Name() string { return s.name }

func (s *stubResolver) Resolve(_ context.Context, q Query) (float64, bool, error) {
	s.seen = append(s.seen, q)
	return s.price, s.ok, s.err
}

func TestPipeline_FirstOpinionWins(t *testing.T) {
	t.Parallel()
	first := &stubResolver{name: "first"}
	second := &stubResolver{name: "second", price: 2.5, ok: true}
	third := &stubResolver{name: "third", price: 9, ok: true}

	p := NewPipeline(nil, first, second, third)
	price, source := p.Resolve(context.Background(), Query{Chain: model.ChainEthereum, Symbol: "UNI"})

	assert.InDelta(t, 2.5, price, 1e-12)
	assert.Equal(t, "second", source)
	assert.Len(t, first.seen, 1)
	assert.Empty(t, third.seen)
}

func TestPipeline_ErrorsAndInvalidPricesAreSkipped(t *testing.T) {
	t.Parallel()
	p := NewPipeline(nil,
		&stubResolver{name: "broken", err: errors.New("rpc down")},
		&stubResolver{name: "negative", price: -1, ok: true},
		&stubResolver{name: "good", price: 3, ok: true},
	)
	price, source := p.Resolve(context.Background(), Query{})
	assert.InDelta(t, 3.0, price, 1e-12)
	assert.Equal(t, "good", source)
}

func TestPipeline_NoOpinion(t *testing.T) {
	t.Parallel()
	price, source := NewPipeline(nil, &stubResolver{name: "empty"}).Resolve(context.Background(), Query{})
	assert.Zero(t, price)
	assert.Equal(t, "none", source)
}

func TestStaticTable_Lookups(t *testing.T) {
	t.Parallel()
	table := DefaultStaticTable()
	ctx := context.Background()

	p, ok, err := table.Resolve(ctx, Query{Chain: model.ChainEthereum, Address: "0xA0b86991c6218b36c1d19d4a2e9eB0cE3606eB48"})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 1.0, p, 1e-12)

	_, ok, _ = table.Resolve(ctx, Query{Chain: model.ChainEthereum, Symbol: "WETH"})
	assert.False(t, ok, "no native price until one is set")

	table.Set("eth", 3000)
	p, ok, _ = table.Resolve(ctx, Query{Chain: model.ChainBase, Symbol: "weth"})
	assert.True(t, ok)
	assert.InDelta(t, 3000.0, p, 1e-9)
}

func TestNativeDerived(t *testing.T) {
	t.Parallel()
	native := &StaticTable{bySymbol: map[string]float64{"POL": 0.5}, aliases: map[string]string{}}
	r := NativeDerived{Native: native}

	p, ok, err := r.Resolve(context.Background(), Query{Chain: model.ChainPolygon, DerivedNative: 40})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 20.0, p, 1e-9)

	_, ok, _ = r.Resolve(context.Background(), Query{Chain: model.ChainEthereum, DerivedNative: 40})
	assert.False(t, ok, "ETH has no price in this table")

	_, ok, _ = r.Resolve(context.Background(), Query{Chain: model.ChainPolygon})
	assert.False(t, ok)
}

func TestPoolRatio(t *testing.T) {
	t.Parallel()
	r := PoolRatio{Base: DefaultStaticTable()}
	q := Query{
		Chain:  model.ChainArbitrum,
		Symbol: "ARB",
		Counter: &Counterpart{
			Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
			Symbol:  "USDC",
			Ratio:   0.75,
		},
	}
	p, ok, err := r.Resolve(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 0.75, p, 1e-12)

	q.Counter = &Counterpart{Symbol: "UNKNOWN", Ratio: 2}
	_, ok, _ = r.Resolve(context.Background(), q)
	assert.False(t, ok)
}

func TestLoadStaticTable_Override(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "prices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
symbols:
  ETH: 2500
addresses:
  bsc:
    "0x55D398326f99059fF775485246999027B3197955": 1
`), 0o600))

	table, err := LoadStaticTable(path)
	require.NoError(t, err)

	p, ok, _ := table.Resolve(context.Background(), Query{Chain: model.ChainOptimism, Symbol: "WETH"})
	assert.True(t, ok)
	assert.InDelta(t, 2500.0, p, 1e-9)

	p, ok, _ = table.Resolve(context.Background(), Query{Chain: model.ChainBSC, Address: "0x55d398326f99059ff775485246999027b3197955"})
	assert.True(t, ok)
	assert.InDelta(t, 1.0, p, 1e-9)

	_, ok, _ = table.Resolve(context.Background(), Query{Chain: model.ChainEthereum, Symbol: "USDT"})
	assert.True(t, ok, "defaults survive the merge")
}

func TestParseStaticTable_RejectsNegative(t *testing.T) {
	t.Parallel()
	_, err := ParseStaticTable([]byte("symbols:\n  BAD: -3\n"))
	assert.Error(t, err)
}
