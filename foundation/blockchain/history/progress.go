package history

import (
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/modifiers"
)

// Download names one modifier the node should fetch next.
type Download struct {
	Type modifiers.TypeID
	ID   modifiers.ModifierID
}

// ProgressInfo is the verdict returned for every ingested header: what
// to roll back, what to apply afterwards, whether the best header moved
// and which modifiers to download next.
type ProgressInfo struct {
	RollbackTo *modifiers.ModifierID
	ToApply    []modifiers.Header
	BestHeader *modifiers.Header
	ToDownload []Download
}

// HasRollback reports whether the verdict asks for a chain switch.
func (pi ProgressInfo) HasRollback() bool {
	return pi.RollbackTo != nil
}
