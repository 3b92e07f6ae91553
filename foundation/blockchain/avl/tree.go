// Package avl implements the authenticated AVL+ tree the UTXO state is
// committed to. The tree maps 32 byte box ids to serialized boxes and
// produces a 33 byte digest (root label plus tree height) along with
// serialized proofs for batches of modifications.
package avl

import (
	"bytes"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// KeySize is the length of every tree key.
const KeySize = 32

// DigestSize is the root label plus one byte of tree height.
const DigestSize = 33

// Digest commits to the full contents of the tree.
type Digest [DigestSize]byte

// Errors surfaced by tree operations. The caller translates these into
// transaction rejections.
var (
	ErrKeyExists  = errors.New("insert: key already present")
	ErrKeyMissing = errors.New("key not present")
	ErrBadKeySize = errors.New("key must be 32 bytes")
)

// Node label domain separators.
const (
	tagEmpty    = 0x00
	tagLeaf     = 0x01
	tagInternal = 0x02
)

// emptyLabel is the label of an absent subtree.
var emptyLabel = hashNode([]byte{tagEmpty})

// =============================================================================

// node is one tree vertex. Nodes are immutable once created; every
// mutation path-copies from the root down, so earlier roots stay valid
// and rollback is a pointer swap.
type node struct {
	key    []byte
	value  []byte
	left   *node
	right  *node
	height int

	// label memoizes the authenticating hash. Safe because nodes
	// never change after construction.
	label []byte
}

func newLeaf(key, value []byte) *node {
	return &node{key: key, value: value, height: 1}
}

func (n *node) computeLabel() []byte {
	if n == nil {
		return emptyLabel
	}
	if n.label != nil {
		return n.label
	}

	if n.left == nil && n.right == nil {
		n.label = hashNode([]byte{tagLeaf}, n.key, n.value)
		return n.label
	}

	n.label = hashNode([]byte{tagInternal, byte(n.height)},
		n.left.computeLabel(), n.right.computeLabel(), n.key, n.value)
	return n.label
}

func (n *node) heightOf() int {
	if n == nil {
		return 0
	}
	return n.height
}

func (n *node) balance() int {
	return n.left.heightOf() - n.right.heightOf()
}

// rebuilt returns a copy of n with recalculated height and no label.
func rebuilt(key, value []byte, left, right *node) *node {
	h := left.heightOf()
	if right.heightOf() > h {
		h = right.heightOf()
	}
	return &node{key: key, value: value, left: left, right: right, height: h + 1}
}

func rotateRight(n *node) *node {
	l := n.left
	return rebuilt(l.key, l.value, l.left, rebuilt(n.key, n.value, l.right, n.right))
}

func rotateLeft(n *node) *node {
	r := n.right
	return rebuilt(r.key, r.value, rebuilt(n.key, n.value, n.left, r.left), r.right)
}

func rebalance(n *node) *node {
	switch b := n.balance(); {
	case b > 1:
		if n.left.balance() < 0 {
			n = rebuilt(n.key, n.value, rotateLeft(n.left), n.right)
		}
		return rotateRight(n)
	case b < -1:
		if n.right.balance() > 0 {
			n = rebuilt(n.key, n.value, n.left, rotateRight(n.right))
		}
		return rotateLeft(n)
	default:
		return n
	}
}

// =============================================================================

// Tree is the mutable handle over the immutable node structure.
type Tree struct {
	root *node
}

// NewTree constructs an empty authenticated tree.
func NewTree() *Tree {
	return &Tree{}
}

// Digest returns the 33 byte commitment to the current contents.
func (t *Tree) Digest() Digest {
	var d Digest
	copy(d[:], t.root.computeLabel())
	d[DigestSize-1] = byte(t.root.heightOf())
	return d
}

// Lookup returns the value stored under the key.
func (t *Tree) Lookup(key []byte) ([]byte, bool) {
	n := t.root
	for n != nil {
		switch cmp := bytes.Compare(key, n.key); {
		case cmp == 0:
			return n.value, true
		case cmp < 0:
			n = n.left
		default:
			n = n.right
		}
	}
	return nil, false
}

// Insert adds a new key. Inserting a key already present is an error.
func (t *Tree) Insert(key, value []byte) error {
	if len(key) != KeySize {
		return ErrBadKeySize
	}

	root, err := insert(t.root, key, value)
	if err != nil {
		return err
	}

	t.root = root
	return nil
}

// Remove deletes the key and returns the value it held.
func (t *Tree) Remove(key []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeySize
	}

	root, prev, err := remove(t.root, key)
	if err != nil {
		return nil, err
	}

	t.root = root
	return prev, nil
}

func insert(n *node, key, value []byte) (*node, error) {
	if n == nil {
		return newLeaf(key, value), nil
	}

	switch cmp := bytes.Compare(key, n.key); {
	case cmp == 0:
		return nil, errors.Wrapf(ErrKeyExists, "%x", key[:8])
	case cmp < 0:
		left, err := insert(n.left, key, value)
		if err != nil {
			return nil, err
		}
		return rebalance(rebuilt(n.key, n.value, left, n.right)), nil
	default:
		right, err := insert(n.right, key, value)
		if err != nil {
			return nil, err
		}
		return rebalance(rebuilt(n.key, n.value, n.left, right)), nil
	}
}

func remove(n *node, key []byte) (*node, []byte, error) {
	if n == nil {
		return nil, nil, errors.Wrapf(ErrKeyMissing, "%x", key[:8])
	}

	switch cmp := bytes.Compare(key, n.key); {
	case cmp < 0:
		left, prev, err := remove(n.left, key)
		if err != nil {
			return nil, nil, err
		}
		return rebalance(rebuilt(n.key, n.value, left, n.right)), prev, nil

	case cmp > 0:
		right, prev, err := remove(n.right, key)
		if err != nil {
			return nil, nil, err
		}
		return rebalance(rebuilt(n.key, n.value, n.left, right)), prev, nil

	default:
		prev := n.value
		switch {
		case n.left == nil:
			return n.right, prev, nil
		case n.right == nil:
			return n.left, prev, nil
		default:
			// Replace with the in-order successor.
			succ := n.right
			for succ.left != nil {
				succ = succ.left
			}
			right, _, err := remove(n.right, succ.key)
			if err != nil {
				return nil, nil, err
			}
			return rebalance(rebuilt(succ.key, succ.value, n.left, right)), prev, nil
		}
	}
}

// =============================================================================

func hashNode(data ...[]byte) []byte {
	h, _ := blake2b.New256(nil)
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}
