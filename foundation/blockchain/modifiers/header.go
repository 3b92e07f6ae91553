// Package modifiers defines the block sections exchanged and persisted
// by the node: headers, transaction payloads and AD proofs. Every
// section is a modifier named by a 32 byte id.
package modifiers

import (
	"crypto/ecdsa"
	"encoding/binary"
	"math/big"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/signature"
)

// TypeID discriminates modifier kinds in progress info and on disk.
type TypeID byte

const (
	HeaderType   TypeID = 101
	PayloadType  TypeID = 102
	ADProofsType TypeID = 104
)

// ModifierID is the 32 byte identity of any block section.
type ModifierID [signature.HashSize]byte

// StateRootSize is the 32 byte tree root plus one height byte.
const StateRootSize = 33

// GenesisHeight is the height of the first block; its parent id is the
// sentinel below.
const (
	GenesisHeight    int64 = 0
	PreGenesisHeight int64 = GenesisHeight - 1
)

// GenesisParentID is the well-known parent sentinel of the genesis
// header.
var GenesisParentID = ModifierID{}

// =============================================================================

// Header carries everything needed to order blocks and check work
// without the transaction bodies.
type Header struct {
	Version      byte
	ParentID     ModifierID
	AdProofsRoot [signature.HashSize]byte
	StateRoot    [StateRootSize]byte
	TxRoot       [signature.HashSize]byte
	Timestamp    int64
	Height       int64
	Nonce        uint64
	Difficulty   *big.Int
	PublicKey    []byte
	Signature    []byte
}

// ID returns the hash identity of the header, which covers the solved
// nonce and the miner signature.
func (h Header) ID() ModifierID {
	return ModifierID(signature.Hash(h.PowBytes(h.Nonce), h.Signature))
}

// PayloadID names the transaction section this header commits to.
func (h Header) PayloadID() ModifierID {
	return ModifierID(signature.Hash([]byte{byte(PayloadType)}, h.TxRoot[:]))
}

// ADProofsID names the proof section this header commits to.
func (h Header) ADProofsID() ModifierID {
	return ModifierID(signature.Hash([]byte{byte(ADProofsType)}, h.AdProofsRoot[:]))
}

// PowBytes serializes the fields the proof-of-work hash covers for a
// candidate nonce. The signature is applied over the same bytes once a
// nonce is found.
func (h Header) PowBytes(nonce uint64) []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, h.Version)
	buf = append(buf, h.ParentID[:]...)
	buf = append(buf, h.AdProofsRoot[:]...)
	buf = append(buf, h.StateRoot[:]...)
	buf = append(buf, h.TxRoot[:]...)

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(h.Timestamp))
	buf = append(buf, n[:]...)
	binary.BigEndian.PutUint64(n[:], uint64(h.Height))
	buf = append(buf, n[:]...)
	binary.BigEndian.PutUint64(n[:], nonce)
	buf = append(buf, n[:]...)

	if h.Difficulty != nil {
		buf = append(buf, h.Difficulty.Bytes()...)
	}
	buf = append(buf, h.PublicKey...)

	return buf
}

// PowHash is the hash the consensus validator compares to the
// difficulty target.
func (h Header) PowHash(nonce uint64) [signature.HashSize]byte {
	return signature.Hash(h.PowBytes(nonce))
}

// Sign stamps the header with the miner signature over the solved
// header bytes.
func (h *Header) Sign(privateKey *ecdsa.PrivateKey) error {
	sig, err := signature.Sign(h.PowBytes(h.Nonce), privateKey)
	if err != nil {
		return errors.Wrap(err, "signing header")
	}
	h.Signature = sig
	return nil
}

// VerifySignature checks the miner signature against the key embedded
// in the header.
func (h Header) VerifySignature() bool {
	return signature.Verify(h.PowBytes(h.Nonce), h.Signature, h.PublicKey)
}

// IsGenesis reports whether this header claims the genesis position.
func (h Header) IsGenesis() bool {
	return h.ParentID == GenesisParentID
}

// =============================================================================

// headerWire flattens the big integer difficulty for the codec.
type headerWire struct {
	Version      byte   `msgpack:"version"`
	ParentID     []byte `msgpack:"parent_id"`
	AdProofsRoot []byte `msgpack:"ad_proofs_root"`
	StateRoot    []byte `msgpack:"state_root"`
	TxRoot       []byte `msgpack:"tx_root"`
	Timestamp    int64  `msgpack:"timestamp"`
	Height       int64  `msgpack:"height"`
	Nonce        uint64 `msgpack:"nonce"`
	Difficulty   []byte `msgpack:"difficulty"`
	PublicKey    []byte `msgpack:"public_key"`
	Signature    []byte `msgpack:"signature"`
}

// Bytes returns the stored form of the header.
func (h Header) Bytes() ([]byte, error) {
	w := headerWire{
		Version:      h.Version,
		ParentID:     h.ParentID[:],
		AdProofsRoot: h.AdProofsRoot[:],
		StateRoot:    h.StateRoot[:],
		TxRoot:       h.TxRoot[:],
		Timestamp:    h.Timestamp,
		Height:       h.Height,
		Nonce:        h.Nonce,
		PublicKey:    h.PublicKey,
		Signature:    h.Signature,
	}
	if h.Difficulty != nil {
		w.Difficulty = h.Difficulty.Bytes()
	}
	return msgpack.Marshal(w)
}

// HeaderFromBytes decodes a stored header.
func HeaderFromBytes(raw []byte) (Header, error) {
	var w headerWire
	if err := msgpack.Unmarshal(raw, &w); err != nil {
		return Header{}, errors.Wrap(err, "decoding header")
	}

	h := Header{
		Version:    w.Version,
		Timestamp:  w.Timestamp,
		Height:     w.Height,
		Nonce:      w.Nonce,
		Difficulty: new(big.Int).SetBytes(w.Difficulty),
		PublicKey:  w.PublicKey,
		Signature:  w.Signature,
	}
	copy(h.ParentID[:], w.ParentID)
	copy(h.AdProofsRoot[:], w.AdProofsRoot)
	copy(h.StateRoot[:], w.StateRoot)
	copy(h.TxRoot[:], w.TxRoot)

	return h, nil
}
