package whales

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	addrs []common.Address
	err   error
}

func (s *stubSource) Candidates(context.Context) ([]common.Address, error) {
	return s.addrs, s.err
}

type stubReader struct {
	balances map[common.Address]*big.Int
	err      error
}

func (s *stubReader) GetNativeBalances(_ context.Context, addrs []common.Address, _ *big.Int) (map[common.Address]*big.Int, error) {
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[common.Address]*big.Int, len(addrs))
	for _, a := range addrs {
		out[a] = s.balances[a] // nil when absent, i.e. failed read
	}
	return out, nil
}

func addr(n int64) common.Address {
	return common.BigToAddress(big.NewInt(n))
}

func eth(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestGetTopWhales_SortsRanksAndTruncates(t *testing.T) {
	source := &stubSource{addrs: []common.Address{addr(1), addr(2), addr(3), addr(4)}}
	reader := &stubReader{balances: map[common.Address]*big.Int{
		addr(1): eth(1000),
		addr(2): eth(3000),
		addr(3): eth(2000),
		addr(4): eth(500),
	}}

	p := NewProvider(source, reader, NewDenylist(nil), nil)
	whales, err := p.GetTopWhales(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, whales, 3)

	assert.Equal(t, addr(2), whales[0].Address)
	assert.Equal(t, 1, whales[0].Rank)
	assert.Equal(t, addr(3), whales[1].Address)
	assert.Equal(t, 2, whales[1].Rank)
	assert.Equal(t, addr(1), whales[2].Address)
	assert.Equal(t, 3, whales[2].Rank)
}

func TestGetTopWhales_DropsFailedReads(t *testing.T) {
	source := &stubSource{addrs: []common.Address{addr(1), addr(2)}}
	reader := &stubReader{balances: map[common.Address]*big.Int{
		addr(1): eth(100),
		// addr(2) read failed -> nil
	}}

	p := NewProvider(source, reader, NewDenylist(nil), nil)
	whales, err := p.GetTopWhales(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, whales, 1)
	assert.Equal(t, addr(1), whales[0].Address)
}

func TestGetTopWhales_FiltersDenylist(t *testing.T) {
	binanceHot := common.HexToAddress("0xBE0eB53F46cd790Cd13851d5EFf43D12404d33E8")
	source := &stubSource{addrs: []common.Address{binanceHot, addr(7)}}
	reader := &stubReader{balances: map[common.Address]*big.Int{
		binanceHot: eth(4_000_000),
		addr(7):    eth(12),
	}}

	p := NewProvider(source, reader, NewDenylist(nil), nil)
	whales, err := p.GetTopWhales(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, whales, 1)
	assert.Equal(t, addr(7), whales[0].Address)
}

func TestGetTopWhales_MinBalanceThreshold(t *testing.T) {
	source := &stubSource{addrs: []common.Address{addr(1), addr(2)}}
	reader := &stubReader{balances: map[common.Address]*big.Int{
		addr(1): eth(100),
		addr(2): eth(1),
	}}

	p := NewProvider(source, reader, NewDenylist(nil), eth(10))
	whales, err := p.GetTopWhales(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, whales, 1)
	assert.Equal(t, addr(1), whales[0].Address)
}

func TestGetTopWhales_EmptyOnTotalSweepFailure(t *testing.T) {
	source := &stubSource{addrs: []common.Address{addr(1)}}
	reader := &stubReader{err: assert.AnError}

	p := NewProvider(source, reader, NewDenylist(nil), nil)
	whales, err := p.GetTopWhales(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, whales)
}

func TestFileSource_ParsesAndSkipsComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candidates.txt")
	content := "# curated whales\n0x00000000219ab540356cBB839Cbe05303d7705Fa\n\n0xBE0eB53F46cd790Cd13851d5EFf43D12404d33E8\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	source := &FileSource{Path: path}
	addrs, err := source.Candidates(context.Background())
	require.NoError(t, err)
	require.Len(t, addrs, 2)
}

func TestFileSource_RejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candidates.txt")
	require.NoError(t, os.WriteFile(path, []byte("not-an-address\n"), 0o644))

	source := &FileSource{Path: path}
	_, err := source.Candidates(context.Background())
	require.Error(t, err)
}
