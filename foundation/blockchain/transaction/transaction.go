// Package transaction defines the transfers applied to the UTXO state.
// A transaction unlocks a set of existing boxes and produces new ones;
// semantic validity is checkable without state, contextual validity is
// the state's job.
package transaction

import (
	"crypto/ecdsa"
	"encoding/binary"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/boxes"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/signature"
)

// ID is the 32 byte identity of a transaction.
type ID [signature.HashSize]byte

// Semantic validation failures.
var (
	ErrNoOutputs    = errors.New("transaction produces no boxes")
	ErrDupUnlocker  = errors.New("duplicate unlocker box id")
	ErrBadSignature = errors.New("transaction signature invalid")
	ErrBadTimestamp = errors.New("transaction timestamp invalid")
)

// Unlocker references one input box together with the proof that
// satisfies its proposition. The proof may be empty for propositions
// that need none.
type Unlocker struct {
	BoxID boxes.ID `msgpack:"box_id" json:"boxId"`
	Proof []byte   `msgpack:"proof" json:"proof,omitempty"`
}

// Output is the typed envelope for a produced box so transactions can
// be serialized without knowing the variant ahead of time.
type Output struct {
	Type boxes.TypeID `msgpack:"type" json:"type"`
	Raw  []byte       `msgpack:"raw" json:"raw"`
}

// Transaction is a signed transfer of box ownership.
type Transaction struct {
	Unlockers []Unlocker `msgpack:"unlockers" json:"unlockers"`
	Outputs   []Output   `msgpack:"outputs" json:"outputs"`
	Timestamp int64      `msgpack:"timestamp" json:"timestamp"`
	PublicKey []byte     `msgpack:"public_key" json:"publicKey"`
	Signature []byte     `msgpack:"signature" json:"signature"`
}

// =============================================================================

// New constructs and signs a transaction spending the specified boxes
// into the specified outputs.
func New(privateKey *ecdsa.PrivateKey, unlockers []Unlocker, outputs []boxes.Box, timestamp int64) (Transaction, error) {
	tx := Transaction{
		Unlockers: unlockers,
		Timestamp: timestamp,
		PublicKey: publicKeyBytes(privateKey),
	}

	for _, box := range outputs {
		tx.Outputs = append(tx.Outputs, Output{Type: box.Type(), Raw: box.Bytes()})
	}

	sig, err := signature.Sign(tx.Message(), privateKey)
	if err != nil {
		return Transaction{}, errors.Wrap(err, "signing transaction")
	}
	tx.Signature = sig

	// Ownership propositions verify against the same message the
	// sender signed, so the signature doubles as the unlock proof for
	// any unlocker the caller left without one.
	for i := range tx.Unlockers {
		if len(tx.Unlockers[i].Proof) == 0 {
			tx.Unlockers[i].Proof = sig
		}
	}

	return tx, nil
}

// Message returns the bytes the sender signs and every ownership
// proposition verifies against.
func (tx Transaction) Message() []byte {
	var buf []byte

	for _, u := range tx.Unlockers {
		buf = append(buf, u.BoxID[:]...)
	}
	for _, out := range tx.Outputs {
		buf = append(buf, byte(out.Type))
		buf = append(buf, out.Raw...)
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(tx.Timestamp))
	buf = append(buf, ts[:]...)
	buf = append(buf, tx.PublicKey...)

	h := signature.Hash(buf)
	return h[:]
}

// ID returns the hash identity of the transaction.
func (tx Transaction) ID() ID {
	return ID(signature.Hash(tx.Message(), tx.Signature))
}

// Boxes decodes the produced outputs into their box values.
func (tx Transaction) Boxes() ([]boxes.Box, error) {
	out := make([]boxes.Box, 0, len(tx.Outputs))
	for _, o := range tx.Outputs {
		box, err := boxes.ParseBytes(o.Raw, o.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, box)
	}
	return out, nil
}

// SemanticValidate checks the stateless rules: structure, signature and
// local constraints. Contextual checks against the UTXO set live in the
// state package.
func (tx Transaction) SemanticValidate() error {
	if tx.Timestamp <= 0 {
		return ErrBadTimestamp
	}
	if len(tx.Outputs) == 0 {
		return ErrNoOutputs
	}

	seen := make(map[boxes.ID]struct{}, len(tx.Unlockers))
	for _, u := range tx.Unlockers {
		if _, ok := seen[u.BoxID]; ok {
			return errors.Wrapf(ErrDupUnlocker, "%x", u.BoxID[:8])
		}
		seen[u.BoxID] = struct{}{}
	}

	if _, err := tx.Boxes(); err != nil {
		return err
	}

	if !signature.Verify(tx.Message(), tx.Signature, tx.PublicKey) {
		return ErrBadSignature
	}

	return nil
}

// Hash implements the merkle tree contract; the transaction id is its
// leaf hash.
func (tx Transaction) Hash() ([]byte, error) {
	id := tx.ID()
	return id[:], nil
}

// Equals implements the merkle tree contract.
func (tx Transaction) Equals(other Transaction) (bool, error) {
	return tx.ID() == other.ID(), nil
}

// IsCoinbase reports whether every output is a coinbase box.
func (tx Transaction) IsCoinbase() bool {
	if len(tx.Outputs) == 0 {
		return false
	}
	for _, o := range tx.Outputs {
		if o.Type != boxes.TypeCoinbase {
			return false
		}
	}
	return true
}

// SerializedSize is the byte length the block size cap accounts for.
func (tx Transaction) SerializedSize() int {
	raw, err := msgpack.Marshal(tx)
	if err != nil {
		return 0
	}
	return len(raw)
}

// Bytes returns the stored form of the transaction.
func (tx Transaction) Bytes() ([]byte, error) {
	return msgpack.Marshal(tx)
}

// FromBytes decodes a stored transaction.
func FromBytes(raw []byte) (Transaction, error) {
	var tx Transaction
	if err := msgpack.Unmarshal(raw, &tx); err != nil {
		return Transaction{}, errors.Wrap(err, "decoding transaction")
	}
	return tx, nil
}

// =============================================================================

// NewCoinbase builds the miner reward transaction: it claims the open
// boxes produced earlier in the block and mints the supply for the next
// height to the miner key.
func NewCoinbase(privateKey *ecdsa.PrivateKey, openBoxes []boxes.OpenBox, supply uint64, height int64, timestamp int64) (Transaction, error) {
	unlockers := make([]Unlocker, 0, len(openBoxes))

	var claimed uint64
	for _, b := range openBoxes {
		unlockers = append(unlockers, Unlocker{BoxID: b.ID()})
		claimed += b.Value
	}

	reward := boxes.CoinbaseBox{
		Proposition: publicKeyBytes(privateKey),
		Nonce:       uint64(timestamp),
		Value:       supply + claimed,
		Height:      height,
	}

	return New(privateKey, unlockers, []boxes.Box{reward}, timestamp)
}

// PublicKeyBytes serializes a key into the compressed form propositions
// and transactions carry.
func PublicKeyBytes(privateKey *ecdsa.PrivateKey) []byte {
	return crypto.CompressPubkey(&privateKey.PublicKey)
}

func publicKeyBytes(privateKey *ecdsa.PrivateKey) []byte {
	return PublicKeyBytes(privateKey)
}
