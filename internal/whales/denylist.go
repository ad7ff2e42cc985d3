package whales

import "github.com/ethereum/go-ethereum/common"

// knownInfrastructure holds exchange hot wallets, bridges and burn
// addresses that hold enormous native balances without being whales in any
// behavioural sense. Including them would swamp the collective signal with
// exchange flow. Curated by hand; extend via whales.extra_denylisted.
var knownInfrastructure = []string{
	// Burn
	"0x0000000000000000000000000000000000000000",
	"0x000000000000000000000000000000000000dEaD",
	// Staking deposit contract
	"0x00000000219ab540356cBB839Cbe05303d7705Fa",
	// Wrapped ether contract itself
	"0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
	// Binance
	"0x3f5CE5FBFe3E9af3971dD833D26bA9b5C936f0bE",
	"0xD551234Ae421e3BCBA99A0Da6d736074f22192FF",
	"0x564286362092D8e7936f0549571a803B203aAceD",
	"0xBE0eB53F46cd790Cd13851d5EFf43D12404d33E8",
	"0xF977814e90dA44bFA03b6295A0616a897441aceC",
	// Coinbase
	"0x71660c4005BA85c37ccec55d0C4493E66Fe775d3",
	"0x503828976D22510aad0201ac7EC88293211D23Da",
	"0xA090e606E30bD747d4E6245a1517EbE430F0057e",
	// Kraken
	"0x2910543Af39abA0Cd09dBb2D50200b3E800A63D2",
	"0x0A869d79a7052C7f1b55a8EbAbbEa3420F0D1E13",
	"0xE853c56864A2ebe4576a807D26Fdc4A0adA51919",
	// Bitfinex
	"0x876EabF441B2EE5B5b0554Fd502a8E0600950cFa",
	"0x742d35Cc6634C0532925a3b844Bc454e4438f44e",
	// OKX
	"0x6Cc5F688a315f3dC28A7781717a9A798a59fDA7b",
	"0x236F9F97e0E62388479bf9E5BA4889e46B0273C3",
	// Gemini
	"0xd24400ae8BfEBb18cA49Be86258a3C749cf46853",
	// Arbitrum bridge
	"0x8315177aB297bA92A06054cE80a67Ed4DBd7ed3a",
	// Optimism bridge
	"0x99C9fc46f92E8a1c0deC1b1747d010903E884bE1",
	// Polygon bridge
	"0xA0c68C638235ee32657e8f720a23ceC1bFc77C77",
	// zkSync bridge
	"0x32400084C286CF3E17e7B677ea9583e60a000324",
}

// Denylist answers "is this address exchange/bridge/burn infrastructure".
type Denylist struct {
	blocked map[common.Address]bool
}

// NewDenylist builds the curated deny-list plus any extra entries.
func NewDenylist(extra []string) *Denylist {
	blocked := make(map[common.Address]bool, len(knownInfrastructure)+len(extra))
	for _, hex := range knownInfrastructure {
		blocked[common.HexToAddress(hex)] = true
	}
	for _, hex := range extra {
		if common.IsHexAddress(hex) {
			blocked[common.HexToAddress(hex)] = true
		}
	}
	return &Denylist{blocked: blocked}
}

func (d *Denylist) Blocked(addr common.Address) bool {
	return d.blocked[addr]
}

func (d *Denylist) Size() int {
	return len(d.blocked)
}
