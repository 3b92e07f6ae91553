// Package node is the node-view holder: it owns the header chain, the
// UTXO state and the mempool, routes incoming modifiers between them in
// order and exposes the snapshots the miner and the API read.
package node

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/consensus"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/genesis"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/history"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/mempool"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/modifiers"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/state"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/store"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/transaction"
)

// EventHandler defines a function that is called when events occur in
// the processing of modifiers.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented
// by any package providing support for mining and pool maintenance.
type Worker interface {
	Shutdown()
	SignalStartMining()
	SignalStopMining()
	SignalNewBlock(block modifiers.Block)
}

// =============================================================================

// Config represents the configuration required to start the node.
type Config struct {
	ChainStore *store.Store
	StateStore *store.Store
	Settings   genesis.Settings
	MinerKey   *ecdsa.PrivateKey
	Clock      consensus.TimeProvider
	EvHandler  EventHandler
}

// Node manages the core components and the dataflow between them.
type Node struct {
	mu sync.Mutex

	settings  genesis.Settings
	minerKey  *ecdsa.PrivateKey
	clock     consensus.TimeProvider
	evHandler EventHandler

	chainStore *store.Store
	stateStore *store.Store

	history *history.Processor
	state   *state.UtxoState
	mempool *mempool.Mempool

	// Downloaded sections waiting for their counterpart.
	payloads map[modifiers.ModifierID]modifiers.Payload
	proofs   map[modifiers.ModifierID]modifiers.ADProofs

	// The Worker is not set here. The call to worker.Run will assign
	// itself and start everything up and running for the node.
	Worker Worker
}

// New constructs the node view over its two store partitions.
func New(cfg Config) (*Node, error) {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}

	clock := cfg.Clock
	if clock == nil {
		clock = consensus.SystemTime{}
	}

	hist := history.NewProcessor(history.Config{
		Store:     cfg.ChainStore,
		Settings:  cfg.Settings,
		Clock:     clock,
		EvHandler: history.EventHandler(ev),
	})

	n := Node{
		settings:   cfg.Settings,
		minerKey:   cfg.MinerKey,
		clock:      clock,
		evHandler:  ev,
		chainStore: cfg.ChainStore,
		stateStore: cfg.StateStore,
		history:    hist,
		state:      state.New(cfg.StateStore, cfg.Settings, state.EventHandler(ev)),
		mempool:    mempool.New(cfg.Settings.MempoolMaxCapacity, mempool.EventHandler(ev)),
		payloads:   make(map[modifiers.ModifierID]modifiers.Payload),
		proofs:     make(map[modifiers.ModifierID]modifiers.ADProofs),
	}

	return &n, nil
}

// Shutdown cleanly brings the node down.
func (n *Node) Shutdown() error {
	n.evHandler("node: shutdown: started")
	defer n.evHandler("node: shutdown: completed")

	if n.Worker != nil {
		n.Worker.Shutdown()
	}

	if err := n.stateStore.Close(); err != nil {
		return err
	}
	return n.chainStore.Close()
}

// =============================================================================
// Modifier ingestion.

// ApplyHeader runs a header through the chain processor and, when the
// matching payload has already arrived, applies the resulting blocks.
func (n *Node) ApplyHeader(header modifiers.Header) (history.ProgressInfo, error) {
	info, err := n.history.Append(header)
	if err != nil {
		return history.ProgressInfo{}, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.applyReadyBlocksLocked(info)
	return info, nil
}

// ApplyPayload stores a downloaded transaction section and applies the
// block it completes when its header is known and next in line.
func (n *Node) ApplyPayload(payload modifiers.Payload) error {
	header, ok := n.history.HeaderByID(payload.HeaderID)
	if !ok {
		return fmt.Errorf("payload %x: header unknown", payload.HeaderID[:8])
	}
	if header.PayloadID() != payload.ID() {
		return fmt.Errorf("payload %x: does not match the header commitment", payload.HeaderID[:8])
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.payloads[payload.HeaderID] = payload
	return n.tryApplyLocked(header)
}

// ApplyADProofs stores a downloaded proof section.
func (n *Node) ApplyADProofs(proofs modifiers.ADProofs) error {
	header, ok := n.history.HeaderByID(proofs.HeaderID)
	if !ok {
		return fmt.Errorf("ad proofs %x: header unknown", proofs.HeaderID[:8])
	}
	if header.AdProofsRoot != proofs.Root() {
		return fmt.Errorf("ad proofs %x: root mismatch", proofs.HeaderID[:8])
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.proofs[proofs.HeaderID] = proofs
	return n.tryApplyLocked(header)
}

// ApplyBlock ingests a locally produced block: header first, then the
// sections, so a mined block takes the same path a downloaded one does.
func (n *Node) ApplyBlock(block modifiers.Block) error {
	if _, err := n.ApplyHeader(block.Header); err != nil {
		return err
	}

	if block.ADProofs != nil {
		if err := n.ApplyADProofs(*block.ADProofs); err != nil {
			return err
		}
	}
	return n.ApplyPayload(block.Payload)
}

// applyReadyBlocksLocked walks the headers the progress info asks to
// apply and applies those whose payloads have arrived.
func (n *Node) applyReadyBlocksLocked(info history.ProgressInfo) {
	for _, header := range info.ToApply {
		if err := n.tryApplyLocked(header); err != nil {
			id := header.ID()
			n.evHandler("node: applyReadyBlocks: header[%x]: %s", id[:8], err)
			return
		}
	}
}

// tryApplyLocked applies the block for a header once every required
// section is present, first rolling the state back to the header's parent
// version when it differs. Whether the header is on the best chain is not
// checked here.
func (n *Node) tryApplyLocked(header modifiers.Header) error {
	id := header.ID()

	// Without transaction verification the state only tracks the
	// version of the best header.
	if !n.settings.VerifyTransactions {
		n.state = n.state.ApplyHeader(header)
		if err := n.history.MarkValid(id); err != nil {
			n.evHandler("node: applyHeader: markValid: ERROR: %s", err)
		}
		return nil
	}

	payload, ok := n.payloads[id]
	if !ok {
		return nil
	}

	needProofs := n.settings.StateMode == genesis.StateModeDigest
	var adProofs *modifiers.ADProofs
	if p, ok := n.proofs[id]; ok {
		adProofs = &p
	}
	if needProofs && adProofs == nil {
		return nil
	}

	// A block is applicable only on top of the state version of its
	// parent; switch the state back to the fork point when needed.
	if n.state.Version() != header.ParentID && !header.IsGenesis() {
		rolled, err := n.state.RollbackTo(header.ParentID)
		if err != nil {
			return fmt.Errorf("block %x: state cannot reach parent version: %w", id[:8], err)
		}
		n.state = rolled
	}

	block := modifiers.Block{Header: header, Payload: payload, ADProofs: adProofs}

	next, produced, err := n.state.ApplyBlock(block)
	if err != nil {
		n.evHandler("node: applyBlock: block[%x]: ERROR: %s", id[:8], err)
		if _, _, rerr := n.history.ReportInvalid(header); rerr != nil {
			n.evHandler("node: applyBlock: reportInvalid: ERROR: %s", rerr)
		}
		return err
	}

	n.state = next
	delete(n.payloads, id)
	delete(n.proofs, id)

	if err := n.history.MarkValid(id); err != nil {
		n.evHandler("node: applyBlock: markValid: ERROR: %s", err)
	}

	if produced != nil {
		block.ADProofs = produced
	}

	if err := n.history.PutSections(block.Payload, block.ADProofs); err != nil {
		n.evHandler("node: applyBlock: putSections: ERROR: %s", err)
	}
	n.pruneSectionsLocked(header)

	if err := n.state.Clean(n.settings.KeepVersions); err != nil {
		n.evHandler("node: applyBlock: clean: ERROR: %s", err)
	}
	if err := n.chainStore.Clean(n.settings.KeepVersions); err != nil {
		n.evHandler("node: applyBlock: clean chain: ERROR: %s", err)
	}

	n.mempool.RemoveAsync(block.Payload.Txs)

	if produced != nil {
		n.evHandler("node: applyBlock: block[%x]: produced ad proofs [%x]", id[:8], produced.ID())
	}

	n.evHandler("node: applyBlock: block[%x] height[%d] applied", id[:8], header.Height)

	if n.Worker != nil {
		n.Worker.SignalNewBlock(block)
	}
	return nil
}

// pruneSectionsLocked drops block sections that fell out of the
// retention window. A negative window keeps everything.
func (n *Node) pruneSectionsLocked(applied modifiers.Header) {
	if n.settings.BlocksToKeep < 0 {
		return
	}

	cutoff := applied.Height - int64(n.settings.BlocksToKeep)
	if cutoff < modifiers.GenesisHeight {
		return
	}

	// Walk the best chain back to the first block outside the window.
	chain := n.history.HeaderChainBack(int64(n.settings.BlocksToKeep)+2, applied, func(h modifiers.Header) bool {
		return h.Height <= cutoff
	})
	if len(chain) == 0 || chain[0].Height > cutoff {
		return
	}

	if err := n.history.DropSections(chain[0]); err != nil {
		n.evHandler("node: pruneSections: ERROR: %s", err)
	}
}

// =============================================================================
// Transactions.

// SubmitTransaction validates a user transaction and admits it to the
// pool.
func (n *Node) SubmitTransaction(tx transaction.Transaction) error {
	if err := tx.SemanticValidate(); err != nil {
		return err
	}

	id := tx.ID()
	if err := n.mempool.Put(tx); err != nil {
		return fmt.Errorf("tx %x: %w", id[:8], err)
	}

	n.evHandler("node: submitTransaction: tx[%x] pooled", id[:8])
	return nil
}

// =============================================================================
// Snapshots.

// History exposes the header chain processor.
func (n *Node) History() *history.Processor {
	return n.history
}

// State returns the current UTXO state version.
func (n *Node) State() *state.UtxoState {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.state
}

// Mempool exposes the transaction pool.
func (n *Node) Mempool() *mempool.Mempool {
	return n.mempool
}

// Settings returns the chain settings the node runs with.
func (n *Node) Settings() genesis.Settings {
	return n.settings
}

// MinerKey returns the key block rewards accrue to.
func (n *Node) MinerKey() *ecdsa.PrivateKey {
	return n.minerKey
}

// Clock returns the node's time source.
func (n *Node) Clock() consensus.TimeProvider {
	return n.clock
}

// Info is the status snapshot the API serves.
type Info struct {
	BestHeaderID string `json:"best_header_id"`
	BestBlockID  string `json:"best_block_id"`
	StateVersion string `json:"state_version"`
	StateHeight  int64  `json:"state_height"`
	StateRoot    string `json:"state_root"`
	MempoolSize  int    `json:"mempool_size"`
	Mining       bool   `json:"mining"`
}

// Info assembles the status snapshot.
func (n *Node) Info() Info {
	info := Info{
		StateHeight: n.State().Height(),
		MempoolSize: n.mempool.Count(),
		Mining:      n.settings.Mining,
	}

	if id, ok := n.history.BestHeaderID(); ok {
		info.BestHeaderID = fmt.Sprintf("%x", id)
	}
	if id, ok := n.history.BestBlockID(); ok {
		info.BestBlockID = fmt.Sprintf("%x", id)
	}

	version := n.State().Version()
	info.StateVersion = fmt.Sprintf("%x", version)

	digest := n.State().Digest()
	info.StateRoot = fmt.Sprintf("%x", digest)

	return info
}
