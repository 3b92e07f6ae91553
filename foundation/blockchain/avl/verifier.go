package avl

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Proof is a parsed batch proof.
type Proof struct {
	PreDigest  Digest
	PostDigest Digest
	Ops        []Operation
}

// ErrProofCorrupted is returned when a serialized proof cannot be parsed
// or one of its membership paths does not hash to the claimed root.
var ErrProofCorrupted = errors.New("proof corrupted")

// VerifyProof parses a serialized batch proof, checks that it starts at
// the expected digest, that consecutive operations chain root to root,
// and that every recorded membership path hashes up to the root label it
// claims. It returns the parsed proof with the resulting digest.
func VerifyProof(raw []byte, expectedPre Digest) (Proof, error) {
	r := &proofReader{buf: raw}

	var proof Proof
	r.read(proof.PreDigest[:])
	r.read(proof.PostDigest[:])

	if r.err != nil {
		return Proof{}, errors.Wrap(ErrProofCorrupted, "truncated header")
	}
	if proof.PreDigest != expectedPre {
		return Proof{}, errors.Errorf("proof starts at digest %x, expected %x",
			proof.PreDigest[:8], expectedPre[:8])
	}

	count := r.uint32()
	prevRoot := proof.PreDigest[:KeySize]

	for i := uint32(0); i < count && r.err == nil; i++ {
		rec, err := readRecordedOp(r)
		if err != nil {
			return Proof{}, err
		}

		if !bytes.Equal(rec.rootBefore, prevRoot) {
			return Proof{}, errors.Wrapf(ErrProofCorrupted,
				"operation %d does not chain from the previous root", i)
		}

		// A present terminal must hash up through its ancestors to
		// the pre-operation root.
		if rec.term.present {
			label := recomputePath(rec)
			if !bytes.Equal(label, rec.rootBefore) {
				return Proof{}, errors.Wrapf(ErrProofCorrupted,
					"operation %d membership path does not reach the root", i)
			}
		}

		prevRoot = rec.rootAfter
		proof.Ops = append(proof.Ops, rec.op)
	}

	if r.err != nil {
		return Proof{}, errors.Wrap(ErrProofCorrupted, r.err.Error())
	}
	if !bytes.Equal(prevRoot, proof.PostDigest[:KeySize]) {
		return Proof{}, errors.Wrap(ErrProofCorrupted, "final root does not match the declared digest")
	}

	return proof, nil
}

// recomputePath hashes the terminal node and folds the ancestor steps in
// reverse to rebuild the root label the path claims to belong to.
func recomputePath(rec recordedOp) []byte {
	t := rec.term

	var label []byte
	if t.height == 1 {
		label = hashNode([]byte{tagLeaf}, t.key, t.value)
	} else {
		label = hashNode([]byte{tagInternal, t.height}, t.leftLabel, t.rightLabel, t.key, t.value)
	}

	for i := len(rec.path) - 1; i >= 0; i-- {
		step := rec.path[i]
		if step.dir == 0 {
			label = hashNode([]byte{tagInternal, step.height}, label, step.sibling, step.key, step.value)
		} else {
			label = hashNode([]byte{tagInternal, step.height}, step.sibling, label, step.key, step.value)
		}
	}

	return label
}

// =============================================================================

type proofReader struct {
	buf []byte
	off int
	err error
}

func (r *proofReader) read(dst []byte) {
	if r.err != nil {
		return
	}
	if r.off+len(dst) > len(r.buf) {
		r.err = errors.New("unexpected end of proof")
		return
	}
	copy(dst, r.buf[r.off:])
	r.off += len(dst)
}

func (r *proofReader) byte() byte {
	var b [1]byte
	r.read(b[:])
	return b[0]
}

func (r *proofReader) uint16() uint16 {
	var b [2]byte
	r.read(b[:])
	return binary.BigEndian.Uint16(b[:])
}

func (r *proofReader) uint32() uint32 {
	var b [4]byte
	r.read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func (r *proofReader) bytes() []byte {
	n := r.uint32()
	if r.err != nil {
		return nil
	}
	out := make([]byte, n)
	r.read(out)
	return out
}

func (r *proofReader) label() []byte {
	out := make([]byte, KeySize)
	r.read(out)
	return out
}

func readRecordedOp(r *proofReader) (recordedOp, error) {
	var rec recordedOp

	rec.op.Type = OpType(r.byte())
	r.read(rec.op.Key[:])
	rec.op.Value = r.bytes()

	rec.rootBefore = r.label()
	rec.rootAfter = r.label()

	steps := r.uint16()
	for i := uint16(0); i < steps && r.err == nil; i++ {
		step := pathStep{
			dir:     r.byte(),
			height:  r.byte(),
			sibling: r.label(),
			key:     r.label(),
		}
		step.value = r.bytes()
		rec.path = append(rec.path, step)
	}

	if r.byte() == 1 {
		rec.term.present = true
		rec.term.height = r.byte()
		rec.term.leftLabel = r.label()
		rec.term.rightLabel = r.label()
		rec.term.key = r.label()
		rec.term.value = r.bytes()
	}

	if r.err != nil {
		return recordedOp{}, errors.Wrap(ErrProofCorrupted, r.err.Error())
	}
	return rec, nil
}
