package avl

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// OpType discriminates the operations a prover batch can contain.
type OpType byte

const (
	OpInsert OpType = 1
	OpRemove OpType = 2
	OpLookup OpType = 3
)

// Operation is one modification or lookup against the tree.
type Operation struct {
	Type  OpType
	Key   [KeySize]byte
	Value []byte
}

// Insert builds an insert operation.
func Insert(key [KeySize]byte, value []byte) Operation {
	return Operation{Type: OpInsert, Key: key, Value: value}
}

// Remove builds a remove operation.
func Remove(key [KeySize]byte) Operation {
	return Operation{Type: OpRemove, Key: key}
}

// Lookup builds a lookup operation.
func Lookup(key [KeySize]byte) Operation {
	return Operation{Type: OpLookup, Key: key}
}

// =============================================================================

// pathStep is one ancestor on the traversal from the root to the key.
type pathStep struct {
	dir     byte // 0 descended left, 1 descended right
	height  byte
	sibling []byte
	key     []byte
	value   []byte
}

// terminal is the node (or absence) the traversal ended at.
type terminal struct {
	present    bool
	height     byte
	leftLabel  []byte
	rightLabel []byte
	key        []byte
	value      []byte
}

// recordedOp pairs an operation with the membership path observed on the
// tree at the moment the operation ran, plus the root labels around it.
type recordedOp struct {
	op         Operation
	rootBefore []byte
	rootAfter  []byte
	path       []pathStep
	term       terminal
}

// =============================================================================

// Prover applies operations to a tree while recording the data needed to
// serialize a batch proof. A failed operation leaves the tree unchanged;
// after any failure inside a batch the caller must RollbackBatch before
// reusing the prover.
type Prover struct {
	tree      *Tree
	startRoot *node
	batch     []recordedOp
}

// NewProver wraps the tree for batched, proof-producing modification.
func NewProver(tree *Tree) *Prover {
	return &Prover{tree: tree, startRoot: tree.root}
}

// Digest returns the commitment to the current tree contents.
func (p *Prover) Digest() Digest {
	return p.tree.Digest()
}

// Lookup reads a value without recording anything in the batch.
func (p *Prover) Lookup(key []byte) ([]byte, bool) {
	return p.tree.Lookup(key)
}

// PerformOneOperation applies the operation, records its proof material,
// and returns the prior value for removes and lookups.
func (p *Prover) PerformOneOperation(op Operation) ([]byte, error) {
	rec := recordedOp{
		op:         op,
		rootBefore: p.tree.root.computeLabel(),
	}
	rec.path, rec.term = tracePath(p.tree.root, op.Key[:])

	var prev []byte
	switch op.Type {
	case OpInsert:
		if err := p.tree.Insert(op.Key[:], op.Value); err != nil {
			return nil, err
		}

	case OpRemove:
		value, err := p.tree.Remove(op.Key[:])
		if err != nil {
			return nil, err
		}
		prev = value

	case OpLookup:
		value, found := p.tree.Lookup(op.Key[:])
		if !found {
			return nil, errors.Wrapf(ErrKeyMissing, "lookup %x", op.Key[:8])
		}
		prev = value

	default:
		return nil, errors.Errorf("unknown operation type %d", op.Type)
	}

	rec.rootAfter = p.tree.root.computeLabel()
	p.batch = append(p.batch, rec)
	return prev, nil
}

// RollbackBatch restores the tree to the state it had when the current
// batch started and drops the recorded operations.
func (p *Prover) RollbackBatch() {
	p.tree.root = p.startRoot
	p.batch = nil
}

// SerializeBatch serializes the batch recorded since the last
// generation without ending it. Callers that need to inspect the proof
// before committing use this, then GenerateProof.
func (p *Prover) SerializeBatch() []byte {
	pre := digestOf(p.startRoot)
	post := p.tree.Digest()

	var buf bytes.Buffer
	buf.Write(pre[:])
	buf.Write(post[:])

	var count [4]byte
	binary.BigEndian.PutUint32(count[:], uint32(len(p.batch)))
	buf.Write(count[:])

	for _, rec := range p.batch {
		writeRecordedOp(&buf, rec)
	}

	return buf.Bytes()
}

// GenerateProof serializes the batch recorded since the last generation
// and starts a new batch at the current tree state.
func (p *Prover) GenerateProof() []byte {
	out := p.SerializeBatch()

	p.startRoot = p.tree.root
	p.batch = nil

	return out
}

// =============================================================================

// tracePath walks from the root toward the key, capturing every ancestor
// and the node (or absence) the walk ends at.
func tracePath(n *node, key []byte) ([]pathStep, terminal) {
	var path []pathStep

	for n != nil {
		cmp := bytes.Compare(key, n.key)
		if cmp == 0 {
			return path, terminal{
				present:    true,
				height:     byte(n.height),
				leftLabel:  n.left.computeLabel(),
				rightLabel: n.right.computeLabel(),
				key:        n.key,
				value:      n.value,
			}
		}

		step := pathStep{height: byte(n.height), key: n.key, value: n.value}
		if cmp < 0 {
			step.dir = 0
			step.sibling = n.right.computeLabel()
			n = n.left
		} else {
			step.dir = 1
			step.sibling = n.left.computeLabel()
			n = n.right
		}
		path = append(path, step)
	}

	return path, terminal{present: false}
}

func digestOf(n *node) Digest {
	var d Digest
	copy(d[:], n.computeLabel())
	d[DigestSize-1] = byte(n.heightOf())
	return d
}

// =============================================================================
// Proof wire format. All integers big endian, all labels 32 bytes.

func writeRecordedOp(buf *bytes.Buffer, rec recordedOp) {
	buf.WriteByte(byte(rec.op.Type))
	buf.Write(rec.op.Key[:])
	writeBytes(buf, rec.op.Value)

	buf.Write(rec.rootBefore)
	buf.Write(rec.rootAfter)

	var n [2]byte
	binary.BigEndian.PutUint16(n[:], uint16(len(rec.path)))
	buf.Write(n[:])

	for _, step := range rec.path {
		buf.WriteByte(step.dir)
		buf.WriteByte(step.height)
		buf.Write(step.sibling)
		buf.Write(step.key)
		writeBytes(buf, step.value)
	}

	if rec.term.present {
		buf.WriteByte(1)
		buf.WriteByte(rec.term.height)
		buf.Write(rec.term.leftLabel)
		buf.Write(rec.term.rightLabel)
		buf.Write(rec.term.key)
		writeBytes(buf, rec.term.value)
	} else {
		buf.WriteByte(0)
	}
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b)))
	buf.Write(n[:])
	buf.Write(b)
}
