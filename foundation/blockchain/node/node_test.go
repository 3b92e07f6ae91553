package node_test

import (
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/boxes"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/consensus"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/genesis"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/modifiers"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/node"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/signature"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/store"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/transaction"
)

type fixedClock struct{ now int64 }

func (c fixedClock) Time() int64 { return c.now }

func newNode(t *testing.T) (*node.Node, *ecdsa.PrivateKey) {
	t.Helper()

	chainStore, err := store.New("")
	require.NoError(t, err)
	stateStore, err := store.New("")
	require.NoError(t, err)

	key, err := crypto.HexToECDSA("fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959")
	require.NoError(t, err)

	settings := genesis.Default()
	settings.InitialDifficulty = 1
	settings.MaxTimeDrift = time.Hour

	n, err := node.New(node.Config{
		ChainStore: chainStore,
		StateStore: stateStore,
		Settings:   settings,
		MinerKey:   key,
		Clock:      fixedClock{now: 1_000_000},
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Shutdown() })

	return n, key
}

// produceBlock does what the miner does: assemble, prove, solve, sign.
func produceBlock(t *testing.T, n *node.Node, key *ecdsa.PrivateKey, txs []transaction.Transaction, timestamp int64) modifiers.Block {
	t.Helper()

	parentID := modifiers.GenesisParentID
	height := modifiers.GenesisHeight
	if parent, ok := n.History().BestHeader(); ok {
		parentID = parent.ID()
		height = parent.Height + 1
	}

	coinbase, err := transaction.NewCoinbase(key, nil, n.Settings().SupplyAt(height), height, timestamp)
	require.NoError(t, err)
	txs = append(txs, coinbase)

	proof, digest, err := n.State().ProofsForTransactions(txs, height)
	require.NoError(t, err)

	header := modifiers.Header{
		Version:      1,
		ParentID:     parentID,
		AdProofsRoot: signature.Hash(proof),
		StateRoot:    digest,
		TxRoot:       modifiers.TxRoot(txs),
		Timestamp:    timestamp,
		Height:       height,
		Difficulty:   big.NewInt(1),
		PublicKey:    transaction.PublicKeyBytes(key),
	}

	for nonce := uint64(0); ; nonce++ {
		if consensus.ValidatePow(header.PowHash(nonce), header.Difficulty) {
			header.Nonce = nonce
			break
		}
	}
	require.NoError(t, header.Sign(key))

	headerID := header.ID()
	return modifiers.Block{
		Header:   header,
		Payload:  modifiers.Payload{HeaderID: headerID, Txs: txs},
		ADProofs: &modifiers.ADProofs{HeaderID: headerID, ProofBytes: proof},
	}
}

// =============================================================================

func Test_NodeLifecycle(t *testing.T) {
	n, key := newNode(t)

	// Mine and ingest the genesis block.
	block0 := produceBlock(t, n, key, nil, 1_000)
	require.NoError(t, n.ApplyBlock(block0))

	info := n.Info()
	require.Equal(t, int64(0), info.StateHeight)
	require.NotEmpty(t, info.BestHeaderID)
	require.Equal(t, info.BestHeaderID, info.BestBlockID)

	bestID, ok := n.History().BestHeaderID()
	require.True(t, ok)
	require.Equal(t, block0.ID(), bestID)

	// The chain processor marked the block valid.
	require.Equal(t, byte(0x02), n.History().Validity(block0.ID()))

	// The applied state root matches the header commitment.
	require.Equal(t, block0.Header.StateRoot, [33]byte(n.State().Digest()))

	// Submit a transaction spending the minted coinbase box.
	outs, err := block0.Payload.Txs[0].Boxes()
	require.NoError(t, err)

	spend, err := transaction.New(key,
		[]transaction.Unlocker{{BoxID: outs[0].ID(), Proof: []byte{}}},
		[]boxes.Box{boxes.AssetBox{Proposition: transaction.PublicKeyBytes(key), Nonce: 1, Value: outs[0].Amount()}},
		2_000,
	)
	require.NoError(t, err)
	require.NoError(t, n.SubmitTransaction(spend))
	require.Equal(t, 1, n.Mempool().Count())

	// Mine the spend into the next block.
	block1 := produceBlock(t, n, key, n.Mempool().TakeAll(), 2_500)
	require.NoError(t, n.ApplyBlock(block1))

	info = n.Info()
	require.Equal(t, int64(1), info.StateHeight)

	// The pool drains once the transaction is included.
	require.Eventually(t, func() bool {
		return n.Mempool().Count() == 0
	}, time.Second, 10*time.Millisecond)

	// A malformed submission is rejected.
	bad := spend
	bad.Signature = []byte("nonsense")
	require.Error(t, n.SubmitTransaction(bad))
}

func Test_NodeRejectsWrongPayload(t *testing.T) {
	n, key := newNode(t)

	block0 := produceBlock(t, n, key, nil, 1_000)

	// A payload that does not match the header commitment is refused.
	_, err := n.ApplyHeader(block0.Header)
	require.NoError(t, err)

	forged := block0.Payload
	forged.Txs = nil
	require.Error(t, n.ApplyPayload(forged))

	// The real payload applies.
	require.NoError(t, n.ApplyPayload(block0.Payload))

	info := n.Info()
	require.Equal(t, int64(0), info.StateHeight)
}
