package avl

import (
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/store"
)

// nodeKeyPrefix namespaces content-addressed tree nodes inside the
// shared store.
var nodeKeyPrefix = []byte("avl:node:")

// storedNode is the persisted form of one tree vertex. Children are
// referenced by label so a root label is enough to reload any version.
type storedNode struct {
	Key    []byte
	Value  []byte
	Left   []byte
	Right  []byte
	Height int
	Leaf   bool
}

// =============================================================================

// PersistentProver is a batch prover whose committed versions live in
// the versioned store. Each commit writes the nodes created since the
// last commit content-addressed by label, so rolling the store back to
// an older version keeps every node that older digests reference.
type PersistentProver struct {
	store  *store.Store
	prover *Prover

	// committed is the set of labels known to be persisted already.
	committed map[[KeySize]byte]struct{}
}

// NewPersistentProver builds an empty prover bound to the store.
func NewPersistentProver(st *store.Store) *PersistentProver {
	return &PersistentProver{
		store:     st,
		prover:    NewProver(NewTree()),
		committed: make(map[[KeySize]byte]struct{}),
	}
}

// Digest returns the current 33 byte commitment.
func (pp *PersistentProver) Digest() Digest {
	return pp.prover.Digest()
}

// PerformOneOperation applies one operation to the in-memory tree.
func (pp *PersistentProver) PerformOneOperation(op Operation) ([]byte, error) {
	return pp.prover.PerformOneOperation(op)
}

// UnauthenticatedLookup returns the raw value without proof material.
func (pp *PersistentProver) UnauthenticatedLookup(key []byte) ([]byte, bool) {
	return pp.prover.Lookup(key)
}

// PeekProof serializes the current batch without committing anything.
func (pp *PersistentProver) PeekProof() []byte {
	return pp.prover.SerializeBatch()
}

// RollbackBatch restores the tree to the root the current batch
// started from.
func (pp *PersistentProver) RollbackBatch() {
	pp.prover.RollbackBatch()
}

// GenerateProofAndUpdateStorage serializes the proof for the operations
// performed since the last generation, commits a new storage version
// holding the created nodes plus the caller's metadata, and starts the
// next batch at the new root.
func (pp *PersistentProver) GenerateProofAndUpdateStorage(metadata []store.KV) ([]byte, error) {
	digest := pp.prover.Digest()

	var upserts []store.KV
	var labels [][KeySize]byte
	collectNodes(pp.prover.tree.root, pp.committed, &upserts, &labels)

	upserts = append(upserts, metadata...)

	if err := pp.store.BulkInsert(VersionTag(digest), upserts, nil); err != nil {
		return nil, errors.Wrap(err, "committing prover version")
	}

	for _, label := range labels {
		pp.committed[label] = struct{}{}
	}

	return pp.prover.GenerateProof(), nil
}

// Rollback restores the prover to a previously committed digest. The
// in-memory fast path covers the root the current batch started from;
// anything older is reloaded node by node from the store.
func (pp *PersistentProver) Rollback(digest Digest) error {
	if digestOf(pp.prover.startRoot) == digest {
		pp.prover.RollbackBatch()
		return nil
	}

	// Older digests reload from storage; the persisted-label cache is
	// dropped because the store may have been rolled back under us.
	pp.committed = make(map[[KeySize]byte]struct{})

	if digest == (&Tree{}).Digest() {
		pp.prover = NewProver(NewTree())
		return nil
	}

	var rootLabel [KeySize]byte
	copy(rootLabel[:], digest[:KeySize])

	root, err := pp.loadNode(rootLabel)
	if err != nil {
		return errors.Wrapf(err, "rollback to digest %x", digest[:8])
	}
	if root.heightOf() != int(digest[DigestSize-1]) {
		return errors.Errorf("rollback digest %x height mismatch", digest[:8])
	}

	tree := &Tree{root: root}
	pp.prover = NewProver(tree)
	return nil
}

// =============================================================================

// collectNodes appends a storage upsert for every node not yet known to
// be persisted, walking only as deep as uncommitted nodes reach.
func collectNodes(n *node, committed map[[KeySize]byte]struct{}, out *[]store.KV, labels *[][KeySize]byte) {
	if n == nil {
		return
	}

	var label [KeySize]byte
	copy(label[:], n.computeLabel())
	if _, ok := committed[label]; ok {
		return
	}

	sn := storedNode{
		Key:    n.key,
		Value:  n.value,
		Height: n.height,
		Leaf:   n.left == nil && n.right == nil,
	}
	if n.left != nil {
		sn.Left = n.left.computeLabel()
	}
	if n.right != nil {
		sn.Right = n.right.computeLabel()
	}

	raw, err := msgpack.Marshal(sn)
	if err != nil {
		return
	}
	*out = append(*out, store.KV{Key: nodeKey(label), Value: raw})
	*labels = append(*labels, label)

	collectNodes(n.left, committed, out, labels)
	collectNodes(n.right, committed, out, labels)
}

// loadNode rebuilds the subtree rooted at the label from the store.
func (pp *PersistentProver) loadNode(label [KeySize]byte) (*node, error) {
	raw, err := pp.store.Get(nodeKey(label))
	if err != nil {
		return nil, errors.Wrapf(err, "loading node %x", label[:8])
	}

	var sn storedNode
	if err := msgpack.Unmarshal(raw, &sn); err != nil {
		return nil, errors.Wrapf(err, "decoding node %x", label[:8])
	}

	n := &node{key: sn.Key, value: sn.Value, height: sn.Height, label: label[:]}
	if sn.Leaf {
		return n, nil
	}

	if sn.Left != nil {
		var left [KeySize]byte
		copy(left[:], sn.Left)
		if n.left, err = pp.loadNode(left); err != nil {
			return nil, err
		}
	}
	if sn.Right != nil {
		var right [KeySize]byte
		copy(right[:], sn.Right)
		if n.right, err = pp.loadNode(right); err != nil {
			return nil, err
		}
	}

	return n, nil
}

func nodeKey(label [KeySize]byte) []byte {
	return append(append([]byte{}, nodeKeyPrefix...), label[:]...)
}

// VersionTag derives the store version tag a digest commits under.
func VersionTag(digest Digest) store.Version {
	return store.Version(Hash32(digest[:]))
}

// Hash32 is a convenience over the node hash for external key spaces.
func Hash32(data ...[]byte) [KeySize]byte {
	var out [KeySize]byte
	copy(out[:], hashNode(data...))
	return out
}
