// Package worker implements the mining loop and the mempool expiry
// sweep for the node.
package worker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/modifiers"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/node"
)

// maxBlockNotifications bounds the pending new-block signals before
// further notifications are dropped.
const maxBlockNotifications = 16

// =============================================================================

// Worker manages the mining workflow and the pool maintenance timers.
type Worker struct {
	node      *node.Node
	wg        sync.WaitGroup
	ticker    *time.Ticker
	shut      chan struct{}
	shutOnce  sync.Once
	startMine chan bool
	stopMine  chan struct{}
	newBlock  chan modifiers.Block
	evHandler node.EventHandler

	// active is the Idle/Running flag; startedAt gates wake-ups from
	// blocks mined before this worker existed.
	active    atomic.Bool
	startedAt int64

	// candidateParent names the block the current candidate builds
	// on, so fresh tips can be told apart from the expected parent.
	candidateParent atomic.Value
}

// Run creates a worker, registers the worker with the node package,
// and starts up all the background processes.
func Run(n *node.Node, evHandler node.EventHandler) *Worker {
	w := Worker{
		node:      n,
		ticker:    time.NewTicker(n.Settings().MempoolCleanupInterval),
		shut:      make(chan struct{}),
		startMine: make(chan bool, 1),
		stopMine:  make(chan struct{}, 1),
		newBlock:  make(chan modifiers.Block, maxBlockNotifications),
		evHandler: evHandler,
		startedAt: n.Clock().Time(),
	}
	w.candidateParent.Store(modifiers.ModifierID{})

	// Register this worker with the node package.
	n.Worker = &w

	// Load the set of operations we need to run.
	operations := []func(){
		w.miningOperations,
		w.blockOperations,
		w.cleanupOperations,
	}

	// Set waitgroup to match the number of G's we need for the set
	// of operations we have.
	g := len(operations)
	w.wg.Add(g)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	// Start all the operational G's.
	for _, op := range operations {
		go func(op func()) {
			defer w.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	// Wait for the G's to report they are running.
	for i := 0; i < g; i++ {
		<-hasStarted
	}

	if n.Settings().Mining {
		w.SignalStartMining()
	}

	return &w
}

// =============================================================================
// These methods implement the node.Worker interface.

// Shutdown terminates the goroutines performing work. It is safe to
// call more than once since the node teardown path also invokes it.
func (w *Worker) Shutdown() {
	w.shutOnce.Do(func() {
		w.evHandler("worker: shutdown: started")
		defer w.evHandler("worker: shutdown: completed")

		w.evHandler("worker: shutdown: stop cleanup ticker")
		w.ticker.Stop()

		w.evHandler("worker: shutdown: signal stop mining")
		w.SignalStopMining()

		w.evHandler("worker: shutdown: terminate goroutines")
		close(w.shut)
		w.wg.Wait()
	})
}

// SignalStartMining starts a mining operation when mining is enabled.
// If there is already a signal pending in the channel, just return.
func (w *Worker) SignalStartMining() {
	if !w.node.Settings().Mining {
		w.evHandler("worker: SignalStartMining: mining turned off")
		return
	}

	w.active.Store(true)
	select {
	case w.startMine <- true:
	default:
	}
	w.evHandler("worker: SignalStartMining: mining signaled")
}

// SignalStopMining moves the worker back to idle. The current nonce
// search is interrupted; any in-flight publication completes.
func (w *Worker) SignalStopMining() {
	w.active.Store(false)

	select {
	case w.stopMine <- struct{}{}:
	default:
	}
	w.evHandler("worker: SignalStopMining: stop signaled")
}

// SignalNewBlock notifies the worker about a semantically successful
// block. Notifications beyond the buffer are dropped.
func (w *Worker) SignalNewBlock(block modifiers.Block) {
	select {
	case w.newBlock <- block:
		w.evHandler("worker: SignalNewBlock: block signaled")
	default:
		w.evHandler("worker: SignalNewBlock: queue full, notification dropped")
	}
}

// =============================================================================

// miningOperations handles the mining workflow.
func (w *Worker) miningOperations() {
	w.evHandler("worker: miningOperations: G started")
	defer w.evHandler("worker: miningOperations: G completed")

	for {
		select {
		case <-w.startMine:
			if !w.isShutdown() {
				w.runMiningOperation()
			}
		case <-w.shut:
			w.evHandler("worker: miningOperations: received shut signal")
			return
		}
	}
}

// blockOperations reacts to freshly applied blocks: a block extending
// the current candidate's parent chain forces a candidate rebuild, and
// a block arriving while idle wakes mining up.
func (w *Worker) blockOperations() {
	w.evHandler("worker: blockOperations: G started")
	defer w.evHandler("worker: blockOperations: G completed")

	for {
		select {
		case block := <-w.newBlock:
			if w.isShutdown() {
				return
			}
			w.handleNewBlock(block)
		case <-w.shut:
			w.evHandler("worker: blockOperations: received shut signal")
			return
		}
	}
}

func (w *Worker) handleNewBlock(block modifiers.Block) {
	blockID := block.ID()

	if w.active.Load() {
		parent, _ := w.candidateParent.Load().(modifiers.ModifierID)
		if blockID == parent {
			return
		}

		// The chain moved under the candidate; restart on the new tip.
		w.evHandler("worker: blockOperations: tip changed, rebuilding candidate")
		w.interruptSearch()
		w.SignalStartMining()
		return
	}

	if w.node.Settings().Mining && block.Header.Timestamp >= w.startedAt {
		w.evHandler("worker: blockOperations: tip while idle, starting mining")
		w.SignalStartMining()
	}
}

// interruptSearch stops the in-progress nonce search without flipping
// the worker to idle.
func (w *Worker) interruptSearch() {
	select {
	case w.stopMine <- struct{}{}:
	default:
	}
}

// cleanupOperations sweeps expired transactions out of the pool.
func (w *Worker) cleanupOperations() {
	w.evHandler("worker: cleanupOperations: G started")
	defer w.evHandler("worker: cleanupOperations: G completed")

	for {
		select {
		case <-w.ticker.C:
			if !w.isShutdown() {
				dropped := w.node.Mempool().RemoveExpired(w.node.Settings().UtxMaxAge)
				w.evHandler("worker: cleanupOperations: dropped[%d]", dropped)
			}
		case <-w.shut:
			w.evHandler("worker: cleanupOperations: received shut signal")
			return
		}
	}
}

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}
