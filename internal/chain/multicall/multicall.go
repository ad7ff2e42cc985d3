// Package multicall batches native and ERC-20 balance reads through the
// Multicall3 aggregator so a top-1000 whale sweep costs a handful of RPC
// round-trips instead of a thousand.
package multicall

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/whalepulse/whalepulse/infra/breakers"
	"github.com/whalepulse/whalepulse/internal/telemetry"
)

// Multicall3 is deployed at the same address on every major EVM chain.
const DefaultMulticallAddress = "0xcA11bde05977b3631167028862bE2a173976CA11"

const multicallABIJSON = `[
	{"name":"aggregate3","type":"function","stateMutability":"payable",
	 "inputs":[{"components":[
		{"name":"target","type":"address"},
		{"name":"allowFailure","type":"bool"},
		{"name":"callData","type":"bytes"}],
	  "name":"calls","type":"tuple[]"}],
	 "outputs":[{"components":[
		{"name":"success","type":"bool"},
		{"name":"returnData","type":"bytes"}],
	  "name":"returnData","type":"tuple[]"}]},
	{"name":"getEthBalance","type":"function","stateMutability":"view",
	 "inputs":[{"name":"addr","type":"address"}],
	 "outputs":[{"name":"balance","type":"uint256"}]}
]`

const erc20ABIJSON = `[
	{"name":"balanceOf","type":"function","stateMutability":"view",
	 "inputs":[{"name":"account","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

// ethCaller is the slice of ethclient.Client the batcher needs. Tests
// substitute a fake; production wires *ethclient.Client.
type ethCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config holds batcher tuning.
type Config struct {
	MulticallAddress string
	ChunkSize        int
	RequestTimeout   time.Duration
}

// Batcher reads balances in chunks through Multicall3. A nil value in a
// result map means the read failed for that address; zero means the balance
// is genuinely zero. Callers must never collapse the two.
type Batcher struct {
	caller       ethCaller
	multicall    common.Address
	chunkSize    int
	timeout      time.Duration
	breaker      *breakers.Breaker
	multicallABI abi.ABI
	erc20ABI     abi.ABI
}

// NewBatcher creates a batcher over the given caller.
func NewBatcher(caller ethCaller, cfg Config) (*Batcher, error) {
	if cfg.MulticallAddress == "" {
		cfg.MulticallAddress = DefaultMulticallAddress
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 500
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if !common.IsHexAddress(cfg.MulticallAddress) {
		return nil, fmt.Errorf("invalid multicall address: %s", cfg.MulticallAddress)
	}

	mcABI, err := abi.JSON(strings.NewReader(multicallABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse multicall ABI: %w", err)
	}
	ercABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to parse erc20 ABI: %w", err)
	}

	return &Batcher{
		caller:       caller,
		multicall:    common.HexToAddress(cfg.MulticallAddress),
		chunkSize:    cfg.ChunkSize,
		timeout:      cfg.RequestTimeout,
		breaker:      breakers.New("chain-rpc"),
		multicallABI: mcABI,
		erc20ABI:     ercABI,
	}, nil
}

type call3 struct {
	Target       common.Address
	AllowFailure bool
	CallData     []byte
}

type callResult struct {
	Success    bool
	ReturnData []byte
}

// GetNativeBalances returns address -> balance in Wei, nil on per-address
// read failure. block nil means latest. An error is returned only when
// every chunk failed.
func (b *Batcher) GetNativeBalances(ctx context.Context, addresses []common.Address, block *big.Int) (map[common.Address]*big.Int, error) {
	calls := make([]call3, len(addresses))
	for i, addr := range addresses {
		data, err := b.multicallABI.Pack("getEthBalance", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to pack getEthBalance: %w", err)
		}
		calls[i] = call3{Target: b.multicall, AllowFailure: true, CallData: data}
	}
	return b.executeChunked(ctx, addresses, calls, block)
}

// GetTokenBalances returns address -> ERC-20 balance for the given token,
// nil on per-address read failure.
func (b *Batcher) GetTokenBalances(ctx context.Context, token common.Address, addresses []common.Address, block *big.Int) (map[common.Address]*big.Int, error) {
	calls := make([]call3, len(addresses))
	for i, addr := range addresses {
		data, err := b.erc20ABI.Pack("balanceOf", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
		}
		calls[i] = call3{Target: token, AllowFailure: true, CallData: data}
	}
	return b.executeChunked(ctx, addresses, calls, block)
}

// GetLatestBlock returns the current head block number.
func (b *Batcher) GetLatestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	out, err := b.breaker.Execute(func() (any, error) {
		return b.caller.BlockNumber(ctx)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read block number: %w", err)
	}
	return out.(uint64), nil
}

// executeChunked fans chunks out concurrently and merges results. Chunk
// failures are localized: every address in a failed chunk maps to nil.
func (b *Batcher) executeChunked(ctx context.Context, addresses []common.Address, calls []call3, block *big.Int) (map[common.Address]*big.Int, error) {
	results := make(map[common.Address]*big.Int, len(addresses))
	if len(addresses) == 0 {
		return results, nil
	}

	var (
		mu           sync.Mutex
		failedChunks int
		totalChunks  int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for start := 0; start < len(addresses); start += b.chunkSize {
		end := start + b.chunkSize
		if end > len(addresses) {
			end = len(addresses)
		}
		chunkAddrs := addresses[start:end]
		chunkCalls := calls[start:end]
		totalChunks++

		g.Go(func() error {
			values, err := b.executeChunk(gctx, chunkCalls, block)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Int("addresses", len(chunkAddrs)).Msg("multicall chunk failed")
				telemetry.MulticallChunkFailures.Inc()
				failedChunks++
				for _, addr := range chunkAddrs {
					results[addr] = nil
				}
				return nil
			}
			for i, addr := range chunkAddrs {
				results[addr] = values[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if failedChunks == totalChunks {
		return nil, fmt.Errorf("all %d multicall chunks failed", totalChunks)
	}
	return results, nil
}

// executeChunk runs one aggregate3 call and decodes its per-call results.
// A failed or short return for one call yields nil for that position only.
func (b *Batcher) executeChunk(ctx context.Context, calls []call3, block *big.Int) ([]*big.Int, error) {
	input, err := b.multicallABI.Pack("aggregate3", calls)
	if err != nil {
		return nil, fmt.Errorf("failed to pack aggregate3: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	raw, err := b.breaker.Execute(func() (any, error) {
		return b.caller.CallContract(ctx, ethereum.CallMsg{To: &b.multicall, Data: input}, block)
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate3 call failed: %w", err)
	}

	var decoded []callResult
	if err := b.multicallABI.UnpackIntoInterface(&decoded, "aggregate3", raw.([]byte)); err != nil {
		return nil, fmt.Errorf("failed to decode aggregate3 result: %w", err)
	}
	if len(decoded) != len(calls) {
		return nil, fmt.Errorf("aggregate3 returned %d results for %d calls", len(decoded), len(calls))
	}

	values := make([]*big.Int, len(decoded))
	for i, res := range decoded {
		if !res.Success || len(res.ReturnData) < 32 {
			values[i] = nil
			continue
		}
		values[i] = new(big.Int).SetBytes(res.ReturnData[:32])
	}
	return values, nil
}
