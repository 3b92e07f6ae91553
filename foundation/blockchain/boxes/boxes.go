// Package boxes defines the UTXO variants the state tracks. A box is
// immutable, identified by the hash of its contents, and guarded by a
// proposition that an unlocker must satisfy to spend it.
package boxes

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/signature"
)

// TypeID discriminates the box variants on the wire and in storage.
type TypeID byte

const (
	TypeAsset    TypeID = 1
	TypeOpen     TypeID = 2
	TypeCoinbase TypeID = 3
)

// ID is the 32 byte identity of a box.
type ID [signature.HashSize]byte

// Unlock failures the state translates into transaction rejections.
var (
	ErrBadProof    = errors.New("proof does not satisfy the proposition")
	ErrNotMatured  = errors.New("box is height locked")
	ErrUnknownType = errors.New("unknown box type")
)

// Context carries what a proposition may inspect while deciding whether
// an unlocker satisfies it.
type Context struct {
	TxID    [signature.HashSize]byte
	Message []byte
	Height  int64
}

// Box is the behavior shared by every UTXO variant.
type Box interface {
	ID() ID
	Type() TypeID
	Amount() uint64
	UnlockTry(proof []byte, ctx Context) error
	Bytes() []byte
}

// =============================================================================

// AssetBox holds an amount owned by a public key proposition.
type AssetBox struct {
	Proposition []byte `msgpack:"proposition"`
	Nonce       uint64 `msgpack:"nonce"`
	Value       uint64 `msgpack:"value"`
}

// ID returns the hash identity of the box.
func (b AssetBox) ID() ID {
	return boxID(TypeAsset, b.Proposition, b.Nonce, b.Value, 0)
}

// Type returns the variant discriminator.
func (b AssetBox) Type() TypeID { return TypeAsset }

// Amount returns the value the box carries.
func (b AssetBox) Amount() uint64 { return b.Value }

// UnlockTry checks the proof is a valid signature over the context
// message by the key the proposition names.
func (b AssetBox) UnlockTry(proof []byte, ctx Context) error {
	if !signature.Verify(ctx.Message, proof, b.Proposition) {
		return ErrBadProof
	}
	return nil
}

// Bytes returns the stored form of the box.
func (b AssetBox) Bytes() []byte {
	raw, _ := msgpack.Marshal(b)
	return raw
}

// =============================================================================

// OpenBox is spendable by anyone once the chain reaches its unlock
// height. Miners claim these as part of coinbase assembly.
type OpenBox struct {
	UnlockHeight int64  `msgpack:"unlock_height"`
	Nonce        uint64 `msgpack:"nonce"`
	Value        uint64 `msgpack:"value"`
}

// ID returns the hash identity of the box.
func (b OpenBox) ID() ID {
	return boxID(TypeOpen, nil, b.Nonce, b.Value, b.UnlockHeight)
}

// Type returns the variant discriminator.
func (b OpenBox) Type() TypeID { return TypeOpen }

// Amount returns the value the box carries.
func (b OpenBox) Amount() uint64 { return b.Value }

// UnlockTry requires only that the chain has reached the unlock height.
func (b OpenBox) UnlockTry(proof []byte, ctx Context) error {
	if ctx.Height < b.UnlockHeight {
		return errors.Wrapf(ErrNotMatured, "unlocks at height %d, current %d", b.UnlockHeight, ctx.Height)
	}
	return nil
}

// Bytes returns the stored form of the box.
func (b OpenBox) Bytes() []byte {
	raw, _ := msgpack.Marshal(b)
	return raw
}

// =============================================================================

// CoinbaseBox is the miner reward output. It is owned like an asset box
// but records the height it was created at.
type CoinbaseBox struct {
	Proposition []byte `msgpack:"proposition"`
	Nonce       uint64 `msgpack:"nonce"`
	Value       uint64 `msgpack:"value"`
	Height      int64  `msgpack:"height"`
}

// ID returns the hash identity of the box.
func (b CoinbaseBox) ID() ID {
	return boxID(TypeCoinbase, b.Proposition, b.Nonce, b.Value, b.Height)
}

// Type returns the variant discriminator.
func (b CoinbaseBox) Type() TypeID { return TypeCoinbase }

// Amount returns the value the box carries.
func (b CoinbaseBox) Amount() uint64 { return b.Value }

// UnlockTry checks the proof is a valid signature over the context
// message by the key the proposition names.
func (b CoinbaseBox) UnlockTry(proof []byte, ctx Context) error {
	if !signature.Verify(ctx.Message, proof, b.Proposition) {
		return ErrBadProof
	}
	return nil
}

// Bytes returns the stored form of the box.
func (b CoinbaseBox) Bytes() []byte {
	raw, _ := msgpack.Marshal(b)
	return raw
}

// =============================================================================

// ParseBytes decodes a stored box by its type discriminator. This is
// the deserializer the state hands every raw tree value to.
func ParseBytes(raw []byte, typeID TypeID) (Box, error) {
	switch typeID {
	case TypeAsset:
		var b AssetBox
		if err := msgpack.Unmarshal(raw, &b); err != nil {
			return nil, errors.Wrap(err, "decoding asset box")
		}
		return b, nil

	case TypeOpen:
		var b OpenBox
		if err := msgpack.Unmarshal(raw, &b); err != nil {
			return nil, errors.Wrap(err, "decoding open box")
		}
		return b, nil

	case TypeCoinbase:
		var b CoinbaseBox
		if err := msgpack.Unmarshal(raw, &b); err != nil {
			return nil, errors.Wrap(err, "decoding coinbase box")
		}
		return b, nil

	default:
		return nil, errors.Wrapf(ErrUnknownType, "%d", typeID)
	}
}

// Stored is the envelope written into the authenticated tree: the type
// discriminator followed by the variant encoding.
func Stored(b Box) []byte {
	return append([]byte{byte(b.Type())}, b.Bytes()...)
}

// ParseStored decodes a value read back from the authenticated tree.
func ParseStored(raw []byte) (Box, error) {
	if len(raw) < 2 {
		return nil, errors.Wrap(ErrUnknownType, "stored box too short")
	}
	return ParseBytes(raw[1:], TypeID(raw[0]))
}

// =============================================================================

// boxID hashes the identifying fields of a box into its 32 byte id.
func boxID(t TypeID, proposition []byte, nonce, value uint64, height int64) ID {
	var fixed [17]byte
	fixed[0] = byte(t)
	binary.BigEndian.PutUint64(fixed[1:9], nonce)
	binary.BigEndian.PutUint64(fixed[9:17], value)

	var h [8]byte
	binary.BigEndian.PutUint64(h[:], uint64(height))

	return ID(signature.Hash(fixed[:], h[:], proposition))
}
