package modifiers

import (
	"hash"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/crypto/blake2b"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/merkle"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/signature"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/transaction"
)

// Payload is the transaction section of a block.
type Payload struct {
	HeaderID ModifierID                `msgpack:"header_id"`
	Txs      []transaction.Transaction `msgpack:"txs"`
}

// ID returns the hash identity of the payload.
func (p Payload) ID() ModifierID {
	root := TxRoot(p.Txs)
	return ModifierID(signature.Hash([]byte{byte(PayloadType)}, root[:]))
}

// Bytes returns the stored form of the payload.
func (p Payload) Bytes() ([]byte, error) {
	return msgpack.Marshal(p)
}

// PayloadFromBytes decodes a stored payload.
func PayloadFromBytes(raw []byte) (Payload, error) {
	var p Payload
	if err := msgpack.Unmarshal(raw, &p); err != nil {
		return Payload{}, errors.Wrap(err, "decoding payload")
	}
	return p, nil
}

// TxRoot commits to an ordered transaction list through a merkle tree
// over the transaction ids.
func TxRoot(txs []transaction.Transaction) [signature.HashSize]byte {
	if len(txs) == 0 {
		return signature.Hash(nil)
	}

	strategy := func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	}

	tree, err := merkle.NewTree(txs, merkle.WithHashStrategy[transaction.Transaction](strategy))
	if err != nil {
		return signature.Hash(nil)
	}

	var root [signature.HashSize]byte
	copy(root[:], tree.MerkleRoot)
	return root
}

// =============================================================================

// ADProofs is the serialized authenticated-state proof section.
type ADProofs struct {
	HeaderID   ModifierID `msgpack:"header_id"`
	ProofBytes []byte     `msgpack:"proof_bytes"`
}

// Root is the 32 byte commitment a header carries for this section.
func (a ADProofs) Root() [signature.HashSize]byte {
	return signature.Hash(a.ProofBytes)
}

// ID returns the hash identity of the proof section.
func (a ADProofs) ID() ModifierID {
	root := a.Root()
	return ModifierID(signature.Hash([]byte{byte(ADProofsType)}, root[:]))
}

// Bytes returns the stored form of the proof section.
func (a ADProofs) Bytes() ([]byte, error) {
	return msgpack.Marshal(a)
}

// ADProofsFromBytes decodes a stored proof section.
func ADProofsFromBytes(raw []byte) (ADProofs, error) {
	var a ADProofs
	if err := msgpack.Unmarshal(raw, &a); err != nil {
		return ADProofs{}, errors.Wrap(err, "decoding ad proofs")
	}
	return a, nil
}

// =============================================================================

// Block is a header joined with its payload and, when produced or
// downloaded, its AD proofs.
type Block struct {
	Header   Header
	Payload  Payload
	ADProofs *ADProofs
}

// ID of a block is the id of its header.
func (b Block) ID() ModifierID {
	return b.Header.ID()
}
