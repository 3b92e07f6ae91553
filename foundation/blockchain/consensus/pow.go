// Package consensus implements the proof-of-work validator and the
// difficulty retargeting controller the header chain consults.
package consensus

import (
	"math/big"
	"time"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/signature"
)

// maxTarget is the largest possible hash value; dividing it by the
// difficulty yields the target a winning header hash must stay under.
var maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ValidatePow reports whether the header hash satisfies the difficulty.
func ValidatePow(powHash [signature.HashSize]byte, difficulty *big.Int) bool {
	if difficulty == nil || difficulty.Sign() <= 0 {
		return false
	}

	target := new(big.Int).Div(maxTarget, difficulty)
	value := new(big.Int).SetBytes(powHash[:])

	return value.Cmp(target) <= 0
}

// =============================================================================

// TimeProvider abstracts the clock so header drift checks can run
// against network adjusted time.
type TimeProvider interface {
	Time() int64
}

// SystemTime is the local wall clock in unix milliseconds.
type SystemTime struct{}

// Time returns the current UTC time in milliseconds.
func (SystemTime) Time() int64 {
	return time.Now().UTC().UnixMilli()
}
