// Package whales produces the ranked top-N whale list: candidate addresses
// minus known infrastructure, balances read in bulk, sorted and truncated.
package whales

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"math/big"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/whalepulse/whalepulse/internal/domain"
)

// CandidateSource supplies the raw address universe to rank. The curated
// file source ships by default; an index-service source can be swapped in
// without touching the provider.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]common.Address, error)
}

// BalanceReader is the multicall capability the provider consumes.
type BalanceReader interface {
	GetNativeBalances(ctx context.Context, addresses []common.Address, block *big.Int) (map[common.Address]*big.Int, error)
}

// FileSource reads candidate addresses from a newline-separated file.
// Lines that are blank or start with '#' are skipped.
type FileSource struct {
	Path string
}

func (s *FileSource) Candidates(context.Context) ([]common.Address, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read candidates file: %w", err)
	}

	var out []common.Address
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		if !common.IsHexAddress(string(line)) {
			return nil, fmt.Errorf("invalid address in candidates file: %q", line)
		}
		out = append(out, common.HexToAddress(string(line)))
	}
	return out, scanner.Err()
}

// Provider implements the top-N whale listing.
type Provider struct {
	source     CandidateSource
	reader     BalanceReader
	denylist   *Denylist
	minBalance *big.Int // drop entries strictly below; zero keeps all non-nil
}

func NewProvider(source CandidateSource, reader BalanceReader, denylist *Denylist, minBalanceWei *big.Int) *Provider {
	if minBalanceWei == nil {
		minBalanceWei = new(big.Int)
	}
	return &Provider{
		source:     source,
		reader:     reader,
		denylist:   denylist,
		minBalance: minBalanceWei,
	}
}

// GetTopWhales returns up to limit entries sorted by native balance
// descending, ranked from 1. Addresses whose balance read failed are
// dropped. An empty result means the list could not be built; callers
// treat that as "unable to analyse".
func (p *Provider) GetTopWhales(ctx context.Context, limit int) ([]domain.WhaleEntry, error) {
	candidates, err := p.source.Candidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load whale candidates: %w", err)
	}

	filtered := candidates[:0:0]
	for _, addr := range candidates {
		if !p.denylist.Blocked(addr) {
			filtered = append(filtered, addr)
		}
	}
	if len(filtered) == 0 {
		log.Error().Int("candidates", len(candidates)).Msg("no whale candidates after denylist filtering")
		return nil, nil
	}

	balances, err := p.reader.GetNativeBalances(ctx, filtered, nil)
	if err != nil {
		log.Error().Err(err).Msg("whale balance sweep failed entirely")
		return nil, nil
	}

	entries := make([]domain.WhaleEntry, 0, len(filtered))
	dropped := 0
	for _, addr := range filtered {
		bal := balances[addr]
		if bal == nil {
			dropped++
			continue
		}
		if bal.Cmp(p.minBalance) < 0 {
			continue
		}
		entries = append(entries, domain.WhaleEntry{Address: addr, NativeBalance: bal})
	}
	if dropped > 0 {
		log.Warn().Int("dropped", dropped).Msg("whale candidates dropped on failed balance reads")
	}

	sort.SliceStable(entries, func(i, j int) bool {
		cmp := entries[i].NativeBalance.Cmp(entries[j].NativeBalance)
		if cmp != 0 {
			return cmp > 0
		}
		// Deterministic order for equal balances.
		return bytes.Compare(entries[i].Address[:], entries[j].Address[:]) < 0
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries, nil
}
