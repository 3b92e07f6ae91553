// Package mempool maintains the pool of semantically valid unconfirmed
// transactions together with the assembly waiters that want specific
// sets of them.
package mempool

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/transaction"
)

// EventHandler defines a function that is called when events occur in
// the processing of the pool.
type EventHandler func(v string, args ...any)

// ErrNothingAdmitted is returned by Put when not a single transaction
// survived validation, deduplication and the capacity cap.
var ErrNothingAdmitted = errors.New("no transaction admitted")

// =============================================================================

// Assembly is the completion handle WaitForAll returns. It resolves
// with the requested transactions in request order once every id has
// been admitted, or never if cancelled first.
type Assembly struct {
	once sync.Once
	done chan []transaction.Transaction

	cancel func()
}

func newAssembly(cancel func()) *Assembly {
	return &Assembly{
		done:   make(chan []transaction.Transaction, 1),
		cancel: cancel,
	}
}

// Done exposes the completion channel.
func (a *Assembly) Done() <-chan []transaction.Transaction {
	return a.done
}

// Cancel withdraws the request; the handle never resolves afterwards.
func (a *Assembly) Cancel() {
	a.cancel()
}

func (a *Assembly) resolve(txs []transaction.Transaction) {
	a.once.Do(func() {
		a.done <- txs
	})
}

// =============================================================================

// waiter tracks one outstanding assembly request.
type waiter struct {
	request []transaction.ID
	pending map[transaction.ID]struct{}
	handle  *Assembly
}

// Mempool is the shared pool. One mutex guards the unconfirmed map,
// the admission order and the waiters table together; waiter handles
// resolve outside the lock.
type Mempool struct {
	mu sync.Mutex

	unconfirmed map[transaction.ID]transaction.Transaction
	order       []transaction.ID
	waiters     map[string]*waiter

	capacity  int
	evHandler EventHandler
}

// New constructs a pool bounded to the specified capacity.
func New(capacity int, ev EventHandler) *Mempool {
	if ev == nil {
		ev = func(v string, args ...any) {}
	}

	return &Mempool{
		unconfirmed: make(map[transaction.ID]transaction.Transaction),
		waiters:     make(map[string]*waiter),
		capacity:    capacity,
		evHandler:   ev,
	}
}

// Count returns the current number of transactions in the pool.
func (mp *Mempool) Count() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	return len(mp.unconfirmed)
}

// Contains reports whether a transaction id is pooled.
func (mp *Mempool) Contains(id transaction.ID) bool {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	_, ok := mp.unconfirmed[id]
	return ok
}

// =============================================================================

// Put validates and admits the transactions: semantically invalid and
// already known ones are dropped, the rest are admitted until the
// capacity cap truncates the tail. It fails only when nothing at all
// was admitted.
func (mp *Mempool) Put(txs ...transaction.Transaction) error {
	valid := txs[:0:0]
	for _, tx := range txs {
		if err := tx.SemanticValidate(); err != nil {
			id := tx.ID()
			mp.evHandler("mempool: put: tx[%x] dropped: %s", id[:8], err)
			continue
		}
		valid = append(valid, tx)
	}

	admitted := mp.PutWithoutCheck(valid...)
	if admitted == 0 && len(txs) > 0 {
		return ErrNothingAdmitted
	}
	return nil
}

// PutWithoutCheck admits transactions without validation, then resolves
// any waiter whose requested set became complete. It returns how many
// transactions were admitted.
func (mp *Mempool) PutWithoutCheck(txs ...transaction.Transaction) int {
	var resolutions []func()
	admitted := 0

	mp.mu.Lock()
	{
		added := make(map[transaction.ID]struct{}, len(txs))

		for _, tx := range txs {
			id := tx.ID()
			if _, exists := mp.unconfirmed[id]; exists {
				continue
			}
			if len(mp.unconfirmed) >= mp.capacity {
				mp.evHandler("mempool: put: capacity %d reached, tail truncated", mp.capacity)
				break
			}

			mp.unconfirmed[id] = tx
			mp.order = append(mp.order, id)
			added[id] = struct{}{}
			admitted++
		}

		if admitted > 0 {
			resolutions = mp.collectResolutionsLocked(added)
		}
	}
	mp.mu.Unlock()

	// Waiter resolution is deliberately outside the critical section.
	for _, resolve := range resolutions {
		resolve()
	}

	return admitted
}

// collectResolutionsLocked scans the waiters table for requests the
// newly added ids completed and detaches them for resolution.
func (mp *Mempool) collectResolutionsLocked(added map[transaction.ID]struct{}) []func() {
	var resolutions []func()

	for key, w := range mp.waiters {
		for id := range added {
			delete(w.pending, id)
		}
		if len(w.pending) > 0 {
			continue
		}

		txs := make([]transaction.Transaction, 0, len(w.request))
		complete := true
		for _, id := range w.request {
			tx, ok := mp.unconfirmed[id]
			if !ok {
				complete = false
				break
			}
			txs = append(txs, tx)
		}
		if !complete {
			continue
		}

		delete(mp.waiters, key)
		handle := w.handle
		resolutions = append(resolutions, func() { handle.resolve(txs) })
	}

	return resolutions
}

// WaitForAll returns a completion handle that resolves once every
// requested id is pooled, preserving the request order in the result.
func (mp *Mempool) WaitForAll(ids []transaction.ID) *Assembly {
	key := uuid.NewString()

	handle := newAssembly(func() {
		mp.mu.Lock()
		delete(mp.waiters, key)
		mp.mu.Unlock()
	})

	w := &waiter{
		request: append([]transaction.ID{}, ids...),
		pending: make(map[transaction.ID]struct{}),
		handle:  handle,
	}

	var resolutions []func()

	mp.mu.Lock()
	{
		for _, id := range ids {
			if _, ok := mp.unconfirmed[id]; !ok {
				w.pending[id] = struct{}{}
			}
		}
		mp.waiters[key] = w

		if len(w.pending) == 0 {
			resolutions = mp.collectResolutionsLocked(map[transaction.ID]struct{}{})
		}
	}
	mp.mu.Unlock()

	for _, resolve := range resolutions {
		resolve()
	}

	return handle
}

// =============================================================================

// Remove drops a transaction from the pool.
func (mp *Mempool) Remove(tx transaction.Transaction) {
	mp.removeIDs(tx.ID())
}

// RemoveAsync drops the transactions without blocking the caller.
func (mp *Mempool) RemoveAsync(txs []transaction.Transaction) {
	ids := make([]transaction.ID, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID()
	}

	go mp.removeIDs(ids...)
}

func (mp *Mempool) removeIDs(ids ...transaction.ID) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for _, id := range ids {
		delete(mp.unconfirmed, id)
	}
	mp.compactOrderLocked()
}

// Take returns up to n transactions in admission order.
func (mp *Mempool) Take(n int) []transaction.Transaction {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	out := make([]transaction.Transaction, 0, n)
	for _, id := range mp.order {
		if len(out) == n {
			break
		}
		if tx, ok := mp.unconfirmed[id]; ok {
			out = append(out, tx)
		}
	}
	return out
}

// TakeAll returns a snapshot of the whole pool in admission order.
func (mp *Mempool) TakeAll() []transaction.Transaction {
	mp.mu.Lock()
	n := len(mp.order)
	mp.mu.Unlock()

	return mp.Take(n)
}

// Filter destructively retains only the transactions the predicate
// accepts.
func (mp *Mempool) Filter(keep func(transaction.Transaction) bool) {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	for id, tx := range mp.unconfirmed {
		if !keep(tx) {
			delete(mp.unconfirmed, id)
		}
	}
	mp.compactOrderLocked()
}

// RemoveExpired drops every transaction older than the maximum age and
// returns how many were dropped.
func (mp *Mempool) RemoveExpired(maxAge time.Duration) int {
	cutoff := time.Now().UTC().UnixMilli() - maxAge.Milliseconds()

	mp.mu.Lock()
	defer mp.mu.Unlock()

	dropped := 0
	for id, tx := range mp.unconfirmed {
		if tx.Timestamp < cutoff {
			delete(mp.unconfirmed, id)
			dropped++
		}
	}
	if dropped > 0 {
		mp.compactOrderLocked()
	}
	return dropped
}

// compactOrderLocked rebuilds the admission order after deletions.
func (mp *Mempool) compactOrderLocked() {
	order := mp.order[:0]
	for _, id := range mp.order {
		if _, ok := mp.unconfirmed[id]; ok {
			order = append(order, id)
		}
	}
	mp.order = order
}
