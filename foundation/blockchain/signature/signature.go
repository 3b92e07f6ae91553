// Package signature provides the hashing and signing helpers used across
// the blockchain core. All identifiers and commitments are blake2b-256
// hashes; signatures are recoverable secp256k1 signatures over a chain
// specific stamp of the payload hash.
package signature

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/blake2b"
)

// HashSize is the size of every identifier and commitment in the system.
const HashSize = 32

// ZeroHash represents a hash code of zeros.
var ZeroHash = [HashSize]byte{}

// encryStamp is prepended to every payload hash before signing so
// signatures produced here are never valid on another chain.
var encryStamp = []byte("\x19Encry Signed Message:\n32")

// =============================================================================

// Hash returns the blake2b-256 hash of the concatenation of the
// specified byte slices.
func Hash(data ...[]byte) [HashSize]byte {
	h, _ := blake2b.New256(nil)
	for _, d := range data {
		h.Write(d)
	}

	var out [HashSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashString returns the hex encoding of the hash of the specified bytes.
func HashString(data []byte) string {
	h := Hash(data)
	return hex.EncodeToString(h[:])
}

// Sign uses the specified private key to produce a 65 byte recoverable
// signature over the stamped hash of the data.
func Sign(data []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	digest := stamp(data)

	sig, err := crypto.Sign(digest, privateKey)
	if err != nil {
		return nil, err
	}

	// Check the public key extracted from the data and the signature
	// before handing the signature out.
	publicKey, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return nil, err
	}
	rs := sig[:crypto.RecoveryIDOffset]
	if !crypto.VerifySignature(crypto.FromECDSAPub(publicKey), digest, rs) {
		return nil, errors.New("invalid signature")
	}

	return sig, nil
}

// Verify checks that the 65 byte signature over the data was produced by
// the holder of the specified serialized public key.
func Verify(data []byte, sig []byte, publicKey []byte) bool {
	if len(sig) != crypto.SignatureLength {
		return false
	}

	digest := stamp(data)
	return crypto.VerifySignature(publicKey, digest, sig[:crypto.RecoveryIDOffset])
}

// RecoverPublicKey extracts the serialized public key that produced the
// signature over the data.
func RecoverPublicKey(data []byte, sig []byte) ([]byte, error) {
	if len(sig) != crypto.SignatureLength {
		return nil, errors.New("wrong signature length")
	}

	publicKey, err := crypto.SigToPub(stamp(data), sig)
	if err != nil {
		return nil, err
	}

	return crypto.FromECDSAPub(publicKey), nil
}

// =============================================================================

// stamp hashes the payload and folds the chain stamp into the final
// 32 byte digest that is signed.
func stamp(data []byte) []byte {
	payload := Hash(data)
	digest := Hash(encryStamp, payload[:])
	return digest[:]
}
