package analysis

import (
	"math"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"
)

// median returns the middle value of the input. ok is false for an empty
// slice. The input is not modified.
func median(values []float64) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid], true
	}
	return (sorted[mid-1] + sorted[mid]) / 2, true
}

// medianAbsoluteDeviation returns the median and the MAD of the input.
func medianAbsoluteDeviation(values []float64) (m, mad float64, ok bool) {
	m, ok = median(values)
	if !ok {
		return 0, 0, false
	}
	devs := make([]float64, len(values))
	for i, v := range values {
		devs[i] = math.Abs(v - m)
	}
	mad, _ = median(devs)
	return m, mad, true
}

// giniCoefficient computes the concentration of a non-negative balance
// distribution using the zero-based index form
//
//	gini = | 2 * sum((i+1)*b_i) / (n * sum(b_i))  -  (n+1)/n |
//
// over balances sorted ascending. Returns nil when the distribution is
// empty or sums to zero. Arithmetic runs on big integers and decimals;
// only the final coefficient is narrowed to float64.
func giniCoefficient(balances []*big.Int) *float64 {
	n := len(balances)
	if n == 0 {
		return nil
	}

	sorted := make([]*big.Int, n)
	copy(sorted, balances)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	total := new(big.Int)
	weighted := new(big.Int)
	for i, b := range sorted {
		total.Add(total, b)
		weighted.Add(weighted, new(big.Int).Mul(big.NewInt(int64(i+1)), b))
	}
	if total.Sign() == 0 {
		return nil
	}

	nDec := decimal.NewFromInt(int64(n))
	lhs := decimal.NewFromBigInt(weighted, 0).Mul(decimal.NewFromInt(2)).
		Div(nDec.Mul(decimal.NewFromBigInt(total, 0)))
	rhs := decimal.NewFromInt(int64(n + 1)).Div(nDec)

	g, _ := lhs.Sub(rhs).Abs().Float64()
	return &g
}

// pctChange returns (now - past) / past * 100, or nil when past is zero.
// Inputs are integer Wei; the percentage is computed in decimal and only
// then narrowed to float64 for presentation.
func pctChange(now, past *big.Int) *float64 {
	if past == nil || past.Sign() == 0 || now == nil {
		return nil
	}
	diff := decimal.NewFromBigInt(new(big.Int).Sub(now, past), 0)
	pct, _ := diff.Div(decimal.NewFromBigInt(past, 0)).Mul(decimal.NewFromInt(100)).Float64()
	return &pct
}

// weiToETH converts integer Wei to a float ETH amount for presentation.
func weiToETH(wei *big.Int) float64 {
	f, _ := decimal.NewFromBigInt(wei, -18).Float64()
	return f
}
