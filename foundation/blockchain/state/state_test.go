package state_test

import (
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/avl"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/boxes"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/genesis"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/modifiers"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/signature"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/state"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/store"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/transaction"
)

func minerKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()

	pk, err := crypto.HexToECDSA("fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959")
	require.NoError(t, err)
	return pk
}

func newState(t *testing.T) *state.UtxoState {
	t.Helper()

	st, err := store.New("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return state.New(st, genesis.Default(), nil)
}

// blockFor assembles a block whose header commits to exactly what the
// transactions produce on the current state.
func blockFor(t *testing.T, utxo *state.UtxoState, parentID modifiers.ModifierID, height int64, timestamp int64, txs []transaction.Transaction) modifiers.Block {
	t.Helper()

	proof, digest, err := utxo.ProofsForTransactions(txs, height)
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
	}

	return modifiers.Block{
		Header:  header,
		Payload: modifiers.Payload{HeaderID: header.ID(), Txs: txs},
	}
}

// =============================================================================

func Test_ApplyGenesisBlock(t *testing.T) {
	key := minerKey(t)
	utxo := newState(t)

	empty := utxo.Digest()

	coinbase, err := transaction.NewCoinbase(key, nil, 1_000, 0, 1_000)
	require.NoError(t, err)

	txs := []transaction.Transaction{coinbase}
	block := blockFor(t, utxo, modifiers.GenesisParentID, 0, 1_000, txs)

	// Speculative proof production must not move the digest.
	require.Equal(t, empty, utxo.Digest())

	next, produced, err := utxo.ApplyBlock(block)
	require.NoError(t, err)
	require.NotNil(t, produced)
	require.Equal(t, block.Header.AdProofsRoot, produced.Root())

	require.Equal(t, block.ID(), next.Version())
	require.Equal(t, int64(0), next.Height())
	require.Equal(t, avl.Digest(block.Header.StateRoot), next.Digest())

	// The coinbase box is now live.
	outs, err := coinbase.Boxes()
	require.NoError(t, err)
	box, found := next.UnauthenticatedLookup(outs[0].ID())
	require.True(t, found)
	require.Equal(t, uint64(1_000), box.Amount())
}

func Test_StateRootMismatch(t *testing.T) {
	key := minerKey(t)
	utxo := newState(t)

	coinbase, err := transaction.NewCoinbase(key, nil, 1_000, 0, 1_000)
	require.NoError(t, err)

	block := blockFor(t, utxo, modifiers.GenesisParentID, 0, 1_000, []transaction.Transaction{coinbase})
	block.Header.StateRoot[0] ^= 0xFF

	pre := utxo.Digest()
	_, _, err = utxo.ApplyBlock(block)
	require.Error(t, err)
	require.Equal(t, pre, utxo.Digest())
}

func Test_SpendAndDoubleSpend(t *testing.T) {
	key := minerKey(t)
	utxo := newState(t)

	// Block 0 mints the spendable box.
	coinbase, err := transaction.NewCoinbase(key, nil, 1_000, 0, 1_000)
	require.NoError(t, err)

	block0 := blockFor(t, utxo, modifiers.GenesisParentID, 0, 1_000, []transaction.Transaction{coinbase})
	utxo, _, err = utxo.ApplyBlock(block0)
	require.NoError(t, err)

	outs, err := coinbase.Boxes()
	require.NoError(t, err)
	minted := outs[0]

	// Block 1 spends it into an asset box plus an open fee box the
	// next coinbase claims.
	spend, err := transaction.New(key,
		[]transaction.Unlocker{{BoxID: minted.ID(), Proof: []byte{}}},
		[]boxes.Box{
			boxes.AssetBox{Proposition: transaction.PublicKeyBytes(key), Nonce: 7, Value: 900},
			boxes.OpenBox{UnlockHeight: 1, Nonce: 8, Value: 100},
		},
		2_000,
	)
	require.NoError(t, err)

	spendOuts, err := spend.Boxes()
	require.NoError(t, err)
	open := spendOuts[1].(boxes.OpenBox)

	coinbase1, err := transaction.NewCoinbase(key, []boxes.OpenBox{open}, 500, 1, 2_500)
	require.NoError(t, err)

	txs1 := []transaction.Transaction{spend, coinbase1}
	block1 := blockFor(t, utxo, block0.ID(), 1, 2_500, txs1)

	next, _, err := utxo.ApplyBlock(block1)
	require.NoError(t, err)
	require.Equal(t, int64(1), next.Height())

	// The spent box is gone, the new boxes are live.
	_, found := next.UnauthenticatedLookup(minted.ID())
	require.False(t, found)
	_, found = next.UnauthenticatedLookup(spendOuts[0].ID())
	require.True(t, found)

	// The coinbase claimed the open box.
	_, found = next.UnauthenticatedLookup(open.ID())
	require.False(t, found)

	utxo = next

	// A block spending the same box twice fails and leaves the digest
	// at the pre-block root.
	spendA, err := transaction.New(key,
		[]transaction.Unlocker{{BoxID: spendOuts[0].ID(), Proof: []byte{}}},
		[]boxes.Box{boxes.AssetBox{Proposition: transaction.PublicKeyBytes(key), Nonce: 9, Value: 900}},
		3_000,
	)
	require.NoError(t, err)

	spendB, err := transaction.New(key,
		[]transaction.Unlocker{{BoxID: spendOuts[0].ID(), Proof: []byte{}}},
		[]boxes.Box{boxes.AssetBox{Proposition: transaction.PublicKeyBytes(key), Nonce: 10, Value: 900}},
		3_100,
	)
	require.NoError(t, err)

	pre := utxo.Digest()

	doubleSpend := modifiers.Block{
		Header: modifiers.Header{
			Version:    1,
			ParentID:   block1.ID(),
			StateRoot:  pre,
			Timestamp:  3_200,
			Height:     2,
			Difficulty: big.NewInt(1),
		},
		Payload: modifiers.Payload{Txs: []transaction.Transaction{spendA, spendB}},
	}

	_, _, err = utxo.ApplyBlock(doubleSpend)
	require.Error(t, err)
	require.Equal(t, pre, utxo.Digest())
}

func Test_ValidateRejections(t *testing.T) {
	key := minerKey(t)
	utxo := newState(t)

	coinbase, err := transaction.NewCoinbase(key, nil, 1_000, 0, 1_000)
	require.NoError(t, err)

	block0 := blockFor(t, utxo, modifiers.GenesisParentID, 0, 1_000, []transaction.Transaction{coinbase})
	utxo, _, err = utxo.ApplyBlock(block0)
	require.NoError(t, err)

	outs, err := coinbase.Boxes()
	require.NoError(t, err)
	minted := outs[0]

	// Referencing a box that does not exist.
	var bogus boxes.ID
	bogus[0] = 0xEE
	missing, err := transaction.New(key,
		[]transaction.Unlocker{{BoxID: bogus, Proof: []byte{}}},
		[]boxes.Box{boxes.AssetBox{Proposition: transaction.PublicKeyBytes(key), Nonce: 1, Value: 1}},
		2_000,
	)
	require.NoError(t, err)
	require.Error(t, utxo.Validate(missing, 1))

	// Overspending the unlocked amount.
	greedy, err := transaction.New(key,
		[]transaction.Unlocker{{BoxID: minted.ID(), Proof: []byte{}}},
		[]boxes.Box{boxes.AssetBox{Proposition: transaction.PublicKeyBytes(key), Nonce: 2, Value: 2_000}},
		2_000,
	)
	require.NoError(t, err)
	require.Error(t, utxo.Validate(greedy, 1))

	// A proof produced by the wrong key.
	thief, err := crypto.GenerateKey()
	require.NoError(t, err)
	stealing, err := transaction.New(thief,
		[]transaction.Unlocker{{BoxID: minted.ID(), Proof: []byte{}}},
		[]boxes.Box{boxes.AssetBox{Proposition: transaction.PublicKeyBytes(thief), Nonce: 3, Value: 900}},
		2_000,
	)
	require.NoError(t, err)
	require.Error(t, utxo.Validate(stealing, 1))

	// FilterValid drops the bad ones and keeps the digest unchanged.
	good, err := transaction.New(key,
		[]transaction.Unlocker{{BoxID: minted.ID(), Proof: []byte{}}},
		[]boxes.Box{boxes.AssetBox{Proposition: transaction.PublicKeyBytes(key), Nonce: 4, Value: 900}},
		2_000,
	)
	require.NoError(t, err)

	pre := utxo.Digest()
	valid := utxo.FilterValid([]transaction.Transaction{missing, greedy, stealing, good}, 1)
	require.Len(t, valid, 1)
	require.Equal(t, good.ID(), valid[0].ID())
	require.Equal(t, pre, utxo.Digest())
}

func Test_RollbackDeterminism(t *testing.T) {
	key := minerKey(t)
	utxo := newState(t)

	coinbase0, err := transaction.NewCoinbase(key, nil, 1_000, 0, 1_000)
	require.NoError(t, err)
	block0 := blockFor(t, utxo, modifiers.GenesisParentID, 0, 1_000, []transaction.Transaction{coinbase0})

	utxo, _, err = utxo.ApplyBlock(block0)
	require.NoError(t, err)
	digest0 := utxo.Digest()

	coinbase1, err := transaction.NewCoinbase(key, nil, 500, 1, 2_000)
	require.NoError(t, err)
	block1 := blockFor(t, utxo, block0.ID(), 1, 2_000, []transaction.Transaction{coinbase1})

	applied, _, err := utxo.ApplyBlock(block1)
	require.NoError(t, err)
	require.NotEqual(t, digest0, applied.Digest())

	// Roll back, re-apply, roll back: both rollbacks land on the
	// exact same digest.
	rolled, err := applied.RollbackTo(block0.ID())
	require.NoError(t, err)
	require.Equal(t, digest0, rolled.Digest())
	require.Equal(t, int64(0), rolled.Height())

	reapplied, _, err := rolled.ApplyBlock(block1)
	require.NoError(t, err)
	require.Equal(t, applied.Version(), reapplied.Version())

	rolledAgain, err := reapplied.RollbackTo(block0.ID())
	require.NoError(t, err)
	require.Equal(t, digest0, rolledAgain.Digest())

	// The version rolled back to stays reachable.
	versions := reapplied.RollbackVersions()
	require.Contains(t, versions, block0.ID())
}
