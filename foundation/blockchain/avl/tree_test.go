package avl_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/avl"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/store"
)

func key(b byte) [avl.KeySize]byte {
	var k [avl.KeySize]byte
	k[0] = b
	return k
}

func Test_TreeOperations(t *testing.T) {
	tree := avl.NewTree()
	empty := tree.Digest()

	for i := byte(1); i <= 8; i++ {
		k := key(i)
		require.NoError(t, tree.Insert(k[:], []byte{i}))
	}
	require.NotEqual(t, empty, tree.Digest())

	k3 := key(3)
	value, found := tree.Lookup(k3[:])
	require.True(t, found)
	require.Equal(t, []byte{3}, value)

	k9 := key(9)
	_, found = tree.Lookup(k9[:])
	require.False(t, found)

	k := key(3)
	err := tree.Insert(k[:], []byte{0xFF})
	require.ErrorIs(t, err, avl.ErrKeyExists)

	prev, err := tree.Remove(k[:])
	require.NoError(t, err)
	require.Equal(t, []byte{3}, prev)

	_, err = tree.Remove(k[:])
	require.ErrorIs(t, err, avl.ErrKeyMissing)
}

func Test_DigestDeterminism(t *testing.T) {

	// The same operation sequence always reproduces the same digest.
	a := avl.NewTree()
	b := avl.NewTree()

	for i := byte(1); i <= 16; i++ {
		k := key(i)
		require.NoError(t, a.Insert(k[:], []byte{i}))
		require.NoError(t, b.Insert(k[:], []byte{i}))
	}

	require.Equal(t, a.Digest(), b.Digest())

	k7 := key(7)
	_, err := a.Remove(k7[:])
	require.NoError(t, err)
	_, err = b.Remove(k7[:])
	require.NoError(t, err)

	require.Equal(t, a.Digest(), b.Digest())
}

func Test_ProverBatchAndProof(t *testing.T) {
	prover := avl.NewProver(avl.NewTree())
	pre := prover.Digest()

	_, err := prover.PerformOneOperation(avl.Insert(key(1), []byte("one")))
	require.NoError(t, err)
	_, err = prover.PerformOneOperation(avl.Insert(key(2), []byte("two")))
	require.NoError(t, err)

	prev, err := prover.PerformOneOperation(avl.Remove(key(1)))
	require.NoError(t, err)
	require.Equal(t, []byte("one"), prev)

	value, err := prover.PerformOneOperation(avl.Lookup(key(2)))
	require.NoError(t, err)
	require.Equal(t, []byte("two"), value)

	post := prover.Digest()
	proof := prover.GenerateProof()

	parsed, err := avl.VerifyProof(proof, pre)
	require.NoError(t, err)
	require.Equal(t, post, parsed.PostDigest)
	require.Len(t, parsed.Ops, 4)

	// A corrupted proof must not verify.
	proof[len(proof)-1] ^= 0xFF
	_, err = avl.VerifyProof(proof, pre)
	require.Error(t, err)

	// A proof must not verify against the wrong starting digest.
	proof[len(proof)-1] ^= 0xFF
	_, err = avl.VerifyProof(proof, post)
	require.Error(t, err)
}

func Test_ProverRollbackBatch(t *testing.T) {
	prover := avl.NewProver(avl.NewTree())

	_, err := prover.PerformOneOperation(avl.Insert(key(1), []byte("one")))
	require.NoError(t, err)
	committed := prover.Digest()
	prover.GenerateProof()

	_, err = prover.PerformOneOperation(avl.Insert(key(2), []byte("two")))
	require.NoError(t, err)
	require.NotEqual(t, committed, prover.Digest())

	// A failed operation inside the batch forces the caller to reset.
	_, err = prover.PerformOneOperation(avl.Remove(key(9)))
	require.ErrorIs(t, err, avl.ErrKeyMissing)

	prover.RollbackBatch()
	require.Equal(t, committed, prover.Digest())

	k2 := key(2)
	_, found := prover.Lookup(k2[:])
	require.False(t, found)
}

func Test_PersistentProver(t *testing.T) {
	st, err := store.New("")
	require.NoError(t, err)
	defer st.Close()

	prover := avl.NewPersistentProver(st)

	_, err = prover.PerformOneOperation(avl.Insert(key(1), []byte("one")))
	require.NoError(t, err)
	_, err = prover.PerformOneOperation(avl.Insert(key(2), []byte("two")))
	require.NoError(t, err)

	d1 := prover.Digest()
	_, err = prover.GenerateProofAndUpdateStorage(nil)
	require.NoError(t, err)

	_, err = prover.PerformOneOperation(avl.Remove(key(1)))
	require.NoError(t, err)
	_, err = prover.PerformOneOperation(avl.Insert(key(3), []byte("three")))
	require.NoError(t, err)

	d2 := prover.Digest()
	_, err = prover.GenerateProofAndUpdateStorage(nil)
	require.NoError(t, err)
	require.NotEqual(t, d1, d2)

	// Roll both the store and the prover back to the first version.
	require.NoError(t, st.Rollback(avl.VersionTag(d1)))
	require.NoError(t, prover.Rollback(d1))
	require.Equal(t, d1, prover.Digest())

	k1 := key(1)
	value, found := prover.UnauthenticatedLookup(k1[:])
	require.True(t, found)
	require.Equal(t, []byte("one"), value)

	k3b := key(3)
	_, found = prover.UnauthenticatedLookup(k3b[:])
	require.False(t, found)

	// Replaying the same operations reproduces the same digest.
	_, err = prover.PerformOneOperation(avl.Remove(key(1)))
	require.NoError(t, err)
	_, err = prover.PerformOneOperation(avl.Insert(key(3), []byte("three")))
	require.NoError(t, err)
	require.Equal(t, d2, prover.Digest())

	// Rolling back to an unknown digest must fail.
	var bogus avl.Digest
	bogus[0] = 0xAB
	bogus[avl.DigestSize-1] = 1
	require.Error(t, prover.Rollback(bogus))
}
