package analysis

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name   string
		in     []float64
		want   float64
		wantOK bool
	}{
		{"odd", []float64{3, 1, 2}, 2, true},
		{"even", []float64{1, 2, 3, 4}, 2.5, true},
		{"single", []float64{7}, 7, true},
		{"empty", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := median(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMedian_DoesNotMutateInput(t *testing.T) {
	in := []float64{3, 1, 2}
	_, _ = median(in)
	assert.Equal(t, []float64{3, 1, 2}, in)
}

func TestMedianAbsoluteDeviation(t *testing.T) {
	m, mad, ok := medianAbsoluteDeviation([]float64{0.8, 1.0, 1.1, 1.2, 100})
	require.True(t, ok)
	assert.InDelta(t, 1.1, m, 1e-9)
	assert.InDelta(t, 0.1, mad, 1e-9)
}

func TestMedianAbsoluteDeviation_UniformInputHasZeroMAD(t *testing.T) {
	_, mad, ok := medianAbsoluteDeviation([]float64{5, 5, 5})
	require.True(t, ok)
	assert.Zero(t, mad)
}

func TestGiniCoefficient(t *testing.T) {
	t.Run("reference distribution", func(t *testing.T) {
		g := giniCoefficient([]*big.Int{eth(1000), eth(2000), eth(3000)})
		require.NotNil(t, g)
		assert.InDelta(t, 0.2222, *g, 1e-3)
	})

	t.Run("perfect equality", func(t *testing.T) {
		g := giniCoefficient([]*big.Int{eth(500), eth(500), eth(500), eth(500)})
		require.NotNil(t, g)
		assert.InDelta(t, 0, *g, 1e-12)
	})

	t.Run("extreme concentration", func(t *testing.T) {
		g := giniCoefficient([]*big.Int{big.NewInt(0), big.NewInt(0), big.NewInt(0), eth(9000)})
		require.NotNil(t, g)
		assert.Greater(t, *g, 0.7)
	})

	t.Run("empty set", func(t *testing.T) {
		assert.Nil(t, giniCoefficient(nil))
	})

	t.Run("all zero balances", func(t *testing.T) {
		assert.Nil(t, giniCoefficient([]*big.Int{big.NewInt(0), big.NewInt(0)}))
	})
}

func TestPctChange(t *testing.T) {
	t.Run("growth", func(t *testing.T) {
		got := pctChange(eth(1100), eth(1000))
		require.NotNil(t, got)
		assert.InDelta(t, 10.0, *got, 1e-9)
	})

	t.Run("decline", func(t *testing.T) {
		got := pctChange(eth(900), eth(1000))
		require.NotNil(t, got)
		assert.InDelta(t, -10.0, *got, 1e-9)
	})

	t.Run("zero past is undefined", func(t *testing.T) {
		assert.Nil(t, pctChange(eth(100), big.NewInt(0)))
	})

	t.Run("nil inputs", func(t *testing.T) {
		assert.Nil(t, pctChange(nil, eth(1)))
		assert.Nil(t, pctChange(eth(1), nil))
	})
}

func TestWeiToETH(t *testing.T) {
	assert.InDelta(t, 1.5, weiToETH(big.NewInt(1_500_000_000_000_000_000)), 1e-12)
	assert.Zero(t, weiToETH(big.NewInt(0)))
}
