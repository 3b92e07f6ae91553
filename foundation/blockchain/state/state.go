// Package state implements the authenticated UTXO set: it applies
// block transactions to the persistent prover under the consensus
// rules, produces the state root and proofs and supports rollback to
// earlier block versions.
package state

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/avl"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/boxes"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/genesis"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/modifiers"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/signature"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/store"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/transaction"
)

// EventHandler defines a function that is called when events occur in
// the processing of blocks.
type EventHandler func(v string, args ...any)

// Persisted metadata keys.
var (
	bestVersionKey = hashedKey([]byte("best_state_version"))
	bestHeightKey  = hashedKey([]byte("state_height"))
)

func hashedKey(name []byte) []byte {
	h := signature.Hash(name)
	return h[:]
}

// =============================================================================

// UtxoState is one version of the authenticated UTXO set. Mutating
// operations return a fresh instance; the receiver stays usable for
// reads only.
type UtxoState struct {
	version  modifiers.ModifierID
	height   int64
	store    *store.Store
	prover   *avl.PersistentProver
	settings genesis.Settings

	// mu serializes all prover access across the instances sharing
	// it: block application and the miner's speculative proving must
	// never interleave.
	mu *sync.Mutex

	evHandler EventHandler
}

// New constructs the state over its own store partition, resuming from
// the best persisted version when one exists.
func New(st *store.Store, settings genesis.Settings, ev EventHandler) *UtxoState {
	if ev == nil {
		ev = func(v string, args ...any) {}
	}

	s := UtxoState{
		version:   modifiers.ModifierID{},
		height:    modifiers.PreGenesisHeight,
		store:     st,
		prover:    avl.NewPersistentProver(st),
		settings:  settings,
		mu:        &sync.Mutex{},
		evHandler: ev,
	}

	raw, err := st.Get(bestVersionKey)
	if err != nil || len(raw) != signature.HashSize {
		return &s
	}

	var version modifiers.ModifierID
	copy(version[:], raw)

	rootRaw, err := st.Get(version[:])
	if err != nil || len(rootRaw) != avl.DigestSize {
		return &s
	}

	var digest avl.Digest
	copy(digest[:], rootRaw)

	if err := s.prover.Rollback(digest); err != nil {
		ev("state: new: resume version[%x]: ERROR: %s", version[:8], err)
		return &s
	}

	s.version = version
	if hraw, err := st.Get(bestHeightKey); err == nil {
		s.height = decodeHeight(hraw)
	}

	ev("state: new: resumed version[%x] height[%d]", version[:8], s.height)
	return &s
}

// Version returns the block id this state version was produced by.
func (s *UtxoState) Version() modifiers.ModifierID {
	return s.version
}

// Height returns the height of the applied chain.
func (s *UtxoState) Height() int64 {
	return s.height
}

// Digest returns the 33 byte commitment to the current box set.
func (s *UtxoState) Digest() avl.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.prover.Digest()
}

// next clones the handle with a new version and height.
func (s *UtxoState) next(version modifiers.ModifierID, height int64) *UtxoState {
	return &UtxoState{
		version:   version,
		height:    height,
		store:     s.store,
		prover:    s.prover,
		settings:  s.settings,
		mu:        s.mu,
		evHandler: s.evHandler,
	}
}

// =============================================================================

// ApplyBlock runs every transaction of the block against the prover in
// order, requires the resulting digest to equal the header's state
// root, and commits the new version. When the block arrived without
// its proof section the freshly produced proofs are returned for
// delivery to the network.
func (s *UtxoState) ApplyBlock(block modifiers.Block) (*UtxoState, *modifiers.ADProofs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blockID := block.ID()

	s.evHandler("state: applyBlock: block[%x] height[%d] txs[%d]", blockID[:8], block.Header.Height, len(block.Payload.Txs))

	if s.settings.StateMode == genesis.StateModeDigest {
		next, err := s.applyDigest(block)
		return next, nil, err
	}

	for _, tx := range block.Payload.Txs {
		if err := s.applyTransaction(tx, block.Header.Height); err != nil {
			s.prover.RollbackBatch()
			txID := tx.ID()
			return nil, nil, fmt.Errorf("block %x: tx %x: %w", blockID[:8], txID[:8], err)
		}
	}

	digest := s.prover.Digest()
	if digest != avl.Digest(block.Header.StateRoot) {
		s.prover.RollbackBatch()
		return nil, nil, fmt.Errorf("block %x: state root mismatch: got %x, declared %x",
			blockID[:8], digest[:8], block.Header.StateRoot[:8])
	}

	// The proof digest must match the header commitment before
	// anything is committed.
	proofBytes := s.prover.PeekProof()
	proofs := modifiers.ADProofs{HeaderID: blockID, ProofBytes: proofBytes}
	if proofs.Root() != block.Header.AdProofsRoot {
		s.prover.RollbackBatch()
		return nil, nil, fmt.Errorf("block %x: ad proofs root mismatch", blockID[:8])
	}

	metadata := s.metadataFor(blockID, digest, block.Header.Height)
	if _, err := s.prover.GenerateProofAndUpdateStorage(metadata); err != nil {
		s.prover.RollbackBatch()
		return nil, nil, fmt.Errorf("block %x: committing state version: %w", blockID[:8], err)
	}

	next := s.next(blockID, block.Header.Height)

	if block.ADProofs != nil {
		return next, nil, nil
	}
	return next, &proofs, nil
}

// applyDigest validates a block against the supplied proof section
// without holding any boxes, then advances the tracked digest.
func (s *UtxoState) applyDigest(block modifiers.Block) (*UtxoState, error) {
	blockID := block.ID()

	if block.ADProofs == nil {
		return nil, fmt.Errorf("block %x: digest regime requires the proof section", blockID[:8])
	}

	proof, err := avl.VerifyProof(block.ADProofs.ProofBytes, s.prover.Digest())
	if err != nil {
		return nil, fmt.Errorf("block %x: %w", blockID[:8], err)
	}
	if proof.PostDigest != avl.Digest(block.Header.StateRoot) {
		return nil, fmt.Errorf("block %x: proof result does not match the declared state root", blockID[:8])
	}
	if block.ADProofs.Root() != block.Header.AdProofsRoot {
		return nil, fmt.Errorf("block %x: ad proofs root mismatch", blockID[:8])
	}

	// Replay the verified operations so the local tree tracks the
	// digest the proof drove it to.
	for _, op := range proof.Ops {
		if _, err := s.prover.PerformOneOperation(op); err != nil {
			s.prover.RollbackBatch()
			return nil, fmt.Errorf("block %x: replaying proof: %w", blockID[:8], err)
		}
	}

	digest := s.prover.Digest()
	metadata := s.metadataFor(blockID, digest, block.Header.Height)
	if _, err := s.prover.GenerateProofAndUpdateStorage(metadata); err != nil {
		s.prover.RollbackBatch()
		return nil, fmt.Errorf("block %x: committing state version: %w", blockID[:8], err)
	}

	return s.next(blockID, block.Header.Height), nil
}

// ApplyHeader advances the version without touching the box set; used
// when only headers are tracked.
func (s *UtxoState) ApplyHeader(header modifiers.Header) *UtxoState {
	return s.next(header.ID(), s.height)
}

// metadataFor builds the auxiliary records committed with a state
// version: block id to state root, state root hash back to block id,
// and the best version and height pointers.
func (s *UtxoState) metadataFor(blockID modifiers.ModifierID, digest avl.Digest, height int64) []store.KV {
	rootHash := avl.Hash32(digest[:])

	return []store.KV{
		{Key: blockID[:], Value: digest[:]},
		{Key: rootHash[:], Value: blockID[:]},
		{Key: bestVersionKey, Value: blockID[:]},
		{Key: bestHeightKey, Value: encodeHeight(height)},
	}
}

// =============================================================================

// applyTransaction validates one transaction against the current view
// and translates it into prover operations: remove every input box,
// insert every produced box.
func (s *UtxoState) applyTransaction(tx transaction.Transaction, height int64) error {
	if err := s.validateLocked(tx, height); err != nil {
		return err
	}

	for _, u := range tx.Unlockers {
		if _, err := s.prover.PerformOneOperation(avl.Remove(u.BoxID)); err != nil {
			return fmt.Errorf("removing input %x: %w", u.BoxID[:8], err)
		}
	}

	outs, err := tx.Boxes()
	if err != nil {
		return err
	}
	for _, box := range outs {
		id := box.ID()
		if _, err := s.prover.PerformOneOperation(avl.Insert(id, boxes.Stored(box))); err != nil {
			return fmt.Errorf("inserting output %x: %w", id[:8], err)
		}
	}

	return nil
}

// Validate checks a transaction semantically and then contextually:
// every referenced box must exist and unlock, and the unlocked amounts
// must cover the produced non-coinbase amounts.
func (s *UtxoState) Validate(tx transaction.Transaction, height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.validateLocked(tx, height)
}

func (s *UtxoState) validateLocked(tx transaction.Transaction, height int64) error {
	if err := tx.SemanticValidate(); err != nil {
		return err
	}

	ctx := boxes.Context{
		TxID:    tx.ID(),
		Message: tx.Message(),
		Height:  height,
	}

	var debit uint64
	unlocked := 0

	for _, u := range tx.Unlockers {
		raw, found := s.prover.UnauthenticatedLookup(u.BoxID[:])
		if !found {
			return fmt.Errorf("input box %x not in state", u.BoxID[:8])
		}

		box, err := boxes.ParseStored(raw)
		if err != nil {
			return fmt.Errorf("input box %x: %w", u.BoxID[:8], err)
		}

		if err := box.UnlockTry(u.Proof, ctx); err != nil {
			return fmt.Errorf("input box %x: %w", u.BoxID[:8], err)
		}

		unlocked++
		debit += box.Amount()
	}

	if unlocked < len(tx.Unlockers) {
		return fmt.Errorf("unlocked %d of %d inputs", unlocked, len(tx.Unlockers))
	}

	outs, err := tx.Boxes()
	if err != nil {
		return err
	}

	var credit uint64
	for _, box := range outs {
		if box.Type() == boxes.TypeCoinbase {
			continue
		}
		credit += box.Amount()
	}

	if debit < credit {
		return fmt.Errorf("transaction debits %d but credits %d", debit, credit)
	}

	return nil
}

// FilterValid returns the subset of transactions that apply cleanly in
// iteration order against the current view, leaving the state digest
// untouched.
func (s *UtxoState) FilterValid(txs []transaction.Transaction, height int64) []transaction.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	var valid []transaction.Transaction
	for _, tx := range txs {
		if err := s.applyTransaction(tx, height); err != nil {
			id := tx.ID()
			s.evHandler("state: filterValid: tx[%x] dropped: %s", id[:8], err)
			continue
		}
		valid = append(valid, tx)
	}

	s.prover.RollbackBatch()
	return valid
}

// ProofsForTransactions speculatively applies the transactions and
// returns the serialized proof with the digest they would produce. The
// state digest is unchanged on return regardless of validity.
func (s *UtxoState) ProofsForTransactions(txs []transaction.Transaction, height int64) ([]byte, avl.Digest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, tx := range txs {
		if err := s.applyTransaction(tx, height); err != nil {
			s.prover.RollbackBatch()
			txID := tx.ID()
			return nil, avl.Digest{}, fmt.Errorf("tx %x: %w", txID[:8], err)
		}
	}

	proof := s.prover.PeekProof()
	digest := s.prover.Digest()
	s.prover.RollbackBatch()

	return proof, digest, nil
}

// =============================================================================

// RollbackTo restores the state to the version a block id committed.
func (s *UtxoState) RollbackTo(version modifiers.ModifierID) (*UtxoState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.store.Get(version[:])
	if err != nil {
		return nil, fmt.Errorf("version %x unknown: %w", version[:8], err)
	}

	var digest avl.Digest
	copy(digest[:], raw)

	if err := s.store.Rollback(avl.VersionTag(digest)); err != nil {
		return nil, fmt.Errorf("rolling store back to %x: %w", version[:8], err)
	}
	if err := s.prover.Rollback(digest); err != nil {
		return nil, fmt.Errorf("rolling prover back to %x: %w", version[:8], err)
	}

	height := s.height
	if raw, err := s.store.Get(bestHeightKey); err == nil {
		height = decodeHeight(raw)
	}

	s.evHandler("state: rollbackTo: version[%x] height[%d]", version[:8], height)
	return s.next(version, height), nil
}

// RollbackVersions lists the block ids whose state versions are still
// reachable, oldest first.
func (s *UtxoState) RollbackVersions() []modifiers.ModifierID {
	var out []modifiers.ModifierID

	for _, v := range s.store.RollbackVersions() {
		raw, err := s.store.Get(v[:])
		if err != nil || len(raw) != signature.HashSize {
			continue
		}

		var id modifiers.ModifierID
		copy(id[:], raw)
		out = append(out, id)
	}
	return out
}

// UnauthenticatedLookup returns the stored box for an id, if present.
func (s *UtxoState) UnauthenticatedLookup(id boxes.ID) (boxes.Box, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, found := s.prover.UnauthenticatedLookup(id[:])
	if !found {
		return nil, false
	}

	box, err := boxes.ParseStored(raw)
	if err != nil {
		return nil, false
	}
	return box, true
}

// Clean bounds the rollback history kept by the underlying store.
func (s *UtxoState) Clean(keepVersions int) error {
	return s.store.Clean(keepVersions)
}

// =============================================================================

func encodeHeight(height int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(height))
	return b[:]
}

func decodeHeight(raw []byte) int64 {
	if len(raw) != 8 {
		return modifiers.PreGenesisHeight
	}
	return int64(binary.BigEndian.Uint64(raw))
}
