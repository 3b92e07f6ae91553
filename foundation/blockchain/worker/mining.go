package worker

import (
	"crypto/rand"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/boxes"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/consensus"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/modifiers"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/signature"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/transaction"
)

// noCandidateRetry is how long the worker waits before retrying when no
// candidate could be assembled.
const noCandidateRetry = time.Second

// candidate is a block prototype waiting for a winning nonce.
type candidate struct {
	parentID modifiers.ModifierID
	header   modifiers.Header
	txs      []transaction.Transaction
	adProof  []byte
}

// =============================================================================

// runMiningOperation assembles a candidate and searches nonces until a
// solution, an interruption or shutdown.
func (w *Worker) runMiningOperation() {
	w.evHandler("worker: runMiningOperation: MINING: started")
	defer w.evHandler("worker: runMiningOperation: MINING: completed")

	// Drain a stale interrupt before starting.
	select {
	case <-w.stopMine:
	default:
	}

	cand, err := w.buildCandidate()
	if err != nil {
		w.evHandler("worker: runMiningOperation: MINING: candidate: ERROR: %s", err)
		w.rescheduleAfter(noCandidateRetry)
		return
	}
	if cand == nil {
		w.evHandler("worker: runMiningOperation: MINING: no candidate yet")
		w.rescheduleAfter(noCandidateRetry)
		return
	}

	w.candidateParent.Store(cand.parentID)

	// Choose a random starting point for the nonce, then walk it up
	// until a solution is found or the search is interrupted.
	nBig, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		w.evHandler("worker: runMiningOperation: MINING: nonce seed: ERROR: %s", err)
		return
	}
	nonce := nBig.Uint64()

	var attempts uint64
	for {
		select {
		case <-w.shut:
			return
		case <-w.stopMine:
			w.evHandler("worker: runMiningOperation: MINING: interrupted: attempts[%d]", attempts)
			return
		default:
		}

		attempts++
		if attempts%1_000_000 == 0 {
			w.evHandler("worker: runMiningOperation: MINING: attempts[%d]", attempts)
		}

		if consensus.ValidatePow(cand.header.PowHash(nonce), cand.header.Difficulty) {
			w.publish(cand, nonce, attempts)
			w.rescheduleAfter(w.node.Settings().MiningDelay)
			return
		}
		nonce++
	}
}

// publish signs the solved header and feeds the block back through the
// node as locally generated modifiers.
func (w *Worker) publish(cand *candidate, nonce uint64, attempts uint64) {
	cand.header.Nonce = nonce
	if err := cand.header.Sign(w.node.MinerKey()); err != nil {
		w.evHandler("worker: runMiningOperation: MINING: sign: ERROR: %s", err)
		return
	}

	headerID := cand.header.ID()
	w.evHandler("worker: runMiningOperation: MINING: SOLVED: block[%x] attempts[%d]", headerID[:8], attempts)

	block := modifiers.Block{
		Header:   cand.header,
		Payload:  modifiers.Payload{HeaderID: headerID, Txs: cand.txs},
		ADProofs: &modifiers.ADProofs{HeaderID: headerID, ProofBytes: cand.adProof},
	}

	if err := w.node.ApplyBlock(block); err != nil {
		w.evHandler("worker: runMiningOperation: MINING: apply: ERROR: %s", err)
	}
}

// rescheduleAfter arms the next mining attempt without blocking the
// operations goroutine.
func (w *Worker) rescheduleAfter(delay time.Duration) {
	go func() {
		select {
		case <-w.shut:
		case <-time.After(delay):
			if w.active.Load() {
				w.SignalStartMining()
			}
		}
	}()
}

// =============================================================================

// buildCandidate snapshots the chain, the state and the pool and
// assembles the next block prototype. A nil candidate without error
// means there is nothing to build on yet.
func (w *Worker) buildCandidate() (*candidate, error) {
	settings := w.node.Settings()
	hist := w.node.History()
	st := w.node.State()
	pool := w.node.Mempool()

	parent, hasParent := hist.BestHeader()
	if !hasParent && !settings.OfflineGeneration {
		return nil, nil
	}

	height := modifiers.GenesisHeight
	parentID := modifiers.GenesisParentID
	if hasParent {
		height = parent.Height + 1
		parentID = parent.ID()
	}

	// Admit pool transactions greedily in iteration order while they
	// fit the block size cap.
	valid := st.FilterValid(pool.TakeAll(), height)

	var admitted []transaction.Transaction
	size := 0
	for _, tx := range valid {
		txSize := tx.SerializedSize()
		if size+txSize > settings.BlockMaxSize {
			break
		}
		admitted = append(admitted, tx)
		size += txSize
	}

	// Open boxes produced by the admitted transactions are claimable
	// by the coinbase.
	var opens []boxes.OpenBox
	for _, tx := range admitted {
		outs, err := tx.Boxes()
		if err != nil {
			continue
		}
		for _, box := range outs {
			if open, ok := box.(boxes.OpenBox); ok && open.UnlockHeight <= height {
				opens = append(opens, open)
			}
		}
	}

	timestamp := w.node.Clock().Time()
	if hasParent && timestamp < parent.Timestamp {
		timestamp = parent.Timestamp
	}

	coinbase, err := transaction.NewCoinbase(w.node.MinerKey(), opens, settings.SupplyAt(height), height, timestamp)
	if err != nil {
		return nil, err
	}

	// Oldest first, coinbase last.
	sort.SliceStable(admitted, func(i, j int) bool {
		return admitted[i].Timestamp < admitted[j].Timestamp
	})
	txs := append(admitted, coinbase)

	adProof, adDigest, err := st.ProofsForTransactions(txs, height)
	if err != nil {
		return nil, err
	}

	difficulty := settings.Difficulty()
	if hasParent {
		if difficulty, err = hist.RequiredDifficultyAfter(parent); err != nil {
			return nil, err
		}
	}

	header := modifiers.Header{
		Version:      1,
		ParentID:     parentID,
		AdProofsRoot: signature.Hash(adProof),
		StateRoot:    adDigest,
		TxRoot:       modifiers.TxRoot(txs),
		Timestamp:    timestamp,
		Height:       height,
		Difficulty:   difficulty,
		PublicKey:    transaction.PublicKeyBytes(w.node.MinerKey()),
	}

	return &candidate{
		parentID: parentID,
		header:   header,
		txs:      txs,
		adProof:  adProof,
	}, nil
}
