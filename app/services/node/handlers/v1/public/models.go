package public

import (
	"encoding/hex"
	"fmt"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/boxes"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/modifiers"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/signature"
	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/transaction"
)

// header is the JSON presentation of a chain header.
type header struct {
	ID           string `json:"id"`
	ParentID     string `json:"parent_id"`
	Height       int64  `json:"height"`
	Timestamp    int64  `json:"timestamp"`
	Difficulty   string `json:"difficulty"`
	StateRoot    string `json:"state_root"`
	AdProofsRoot string `json:"ad_proofs_root"`
	TxRoot       string `json:"tx_root"`
	PayloadID    string `json:"payload_id"`
	ADProofsID   string `json:"ad_proofs_id"`
	Nonce        uint64 `json:"nonce"`
}

func toHeader(h modifiers.Header) header {
	id := h.ID()
	payloadID := h.PayloadID()
	proofsID := h.ADProofsID()

	return header{
		ID:           hex.EncodeToString(id[:]),
		ParentID:     hex.EncodeToString(h.ParentID[:]),
		Height:       h.Height,
		Timestamp:    h.Timestamp,
		Difficulty:   h.Difficulty.String(),
		StateRoot:    hex.EncodeToString(h.StateRoot[:]),
		AdProofsRoot: hex.EncodeToString(h.AdProofsRoot[:]),
		TxRoot:       hex.EncodeToString(h.TxRoot[:]),
		PayloadID:    hex.EncodeToString(payloadID[:]),
		ADProofsID:   hex.EncodeToString(proofsID[:]),
		Nonce:        h.Nonce,
	}
}

// tx is the JSON presentation of a pooled transaction.
type tx struct {
	ID        string   `json:"id"`
	Timestamp int64    `json:"timestamp"`
	Inputs    []string `json:"inputs"`
	Outputs   []string `json:"outputs"`
}

func toTx(tran transaction.Transaction) tx {
	id := tran.ID()

	out := tx{
		ID:        hex.EncodeToString(id[:]),
		Timestamp: tran.Timestamp,
	}

	for _, u := range tran.Unlockers {
		out.Inputs = append(out.Inputs, hex.EncodeToString(u.BoxID[:]))
	}

	if outs, err := tran.Boxes(); err == nil {
		for _, box := range outs {
			boxID := box.ID()
			out.Outputs = append(out.Outputs, hex.EncodeToString(boxID[:]))
		}
	}

	return out
}

// submitTx is the payload a wallet posts to submit a transaction.
type submitTx struct {
	Unlockers []submitUnlocker `json:"unlockers" validate:"required,min=1"`
	Outputs   []submitOutput   `json:"outputs" validate:"required,min=1"`
	Timestamp int64            `json:"timestamp" validate:"required,gt=0"`
	PublicKey string           `json:"public_key" validate:"required"`
	Signature string           `json:"signature" validate:"required"`
}

type submitUnlocker struct {
	BoxID string `json:"box_id" validate:"required"`
	Proof string `json:"proof"`
}

type submitOutput struct {
	Type byte   `json:"type" validate:"required"`
	Raw  string `json:"raw" validate:"required"`
}

// toTransaction decodes the hex fields into a core transaction value.
func (s submitTx) toTransaction() (transaction.Transaction, error) {
	tran := transaction.Transaction{Timestamp: s.Timestamp}

	for _, u := range s.Unlockers {
		rawID, err := hex.DecodeString(u.BoxID)
		if err != nil || len(rawID) != signature.HashSize {
			return transaction.Transaction{}, fmt.Errorf("malformed unlocker box id %q", u.BoxID)
		}

		unlocker := transaction.Unlocker{}
		copy(unlocker.BoxID[:], rawID)

		if u.Proof != "" {
			proof, err := hex.DecodeString(u.Proof)
			if err != nil {
				return transaction.Transaction{}, fmt.Errorf("malformed unlocker proof")
			}
			unlocker.Proof = proof
		}

		tran.Unlockers = append(tran.Unlockers, unlocker)
	}

	for _, o := range s.Outputs {
		raw, err := hex.DecodeString(o.Raw)
		if err != nil {
			return transaction.Transaction{}, fmt.Errorf("malformed output encoding")
		}
		tran.Outputs = append(tran.Outputs, transaction.Output{Type: boxes.TypeID(o.Type), Raw: raw})
	}

	publicKey, err := hex.DecodeString(s.PublicKey)
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("malformed public key")
	}
	tran.PublicKey = publicKey

	sig, err := hex.DecodeString(s.Signature)
	if err != nil {
		return transaction.Transaction{}, fmt.Errorf("malformed signature")
	}
	tran.Signature = sig

	return tran, nil
}
