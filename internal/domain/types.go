package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Network identifies the chain a snapshot or metric belongs to.
// Only ethereum ships in this release; the column exists so rollup
// networks can be added without a schema change.
const NetworkEthereum = "ethereum"

// WhaleEntry is one ranked address in the current top-N set.
// NativeBalance is integer Wei and never nil; providers drop
// addresses whose balance read failed before building entries.
type WhaleEntry struct {
	Address       common.Address
	NativeBalance *big.Int
	Rank          int
}

// MigrationEvent records a detected native->LST rotation for one whale.
// All deltas are integer Wei; NetDeltaWei = ETHDeltaWei + LSTDeltaWei.
type MigrationEvent struct {
	Address     common.Address
	ETHDeltaWei *big.Int
	LSTDeltaWei *big.Int
	NetDeltaWei *big.Int
}

// QualityStatus is the three-level output of the data quality validator.
type QualityStatus string

const (
	StatusHealthy  QualityStatus = "healthy"
	StatusDegraded QualityStatus = "degraded"
	StatusCritical QualityStatus = "critical"
)

var statusSeverity = map[QualityStatus]int{
	StatusHealthy:  0,
	StatusDegraded: 1,
	StatusCritical: 2,
}

// Worst returns the more severe of the two statuses.
func (s QualityStatus) Worst(other QualityStatus) QualityStatus {
	if statusSeverity[other] > statusSeverity[s] {
		return other
	}
	return s
}

// ExitCode maps the status to the standalone validator's process exit code.
func (s QualityStatus) ExitCode() int {
	return statusSeverity[s]
}

// NormalizeAddress returns the lowercase hex form used for storage and
// equality. Display code uses common.Address.Hex() for the checksummed form.
func NormalizeAddress(addr common.Address) string {
	return "0x" + common.Bytes2Hex(addr.Bytes())
}
