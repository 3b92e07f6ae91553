package signature_test

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/signature"
)

const pkHexKey = "fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959"

// =============================================================================

func Test_Signing(t *testing.T) {
	data := []byte("the quick brown fox")

	pk, err := crypto.HexToECDSA(pkHexKey)
	if err != nil {
		t.Fatalf("Should be able to parse a private key: %s", err)
	}

	sig, err := signature.Sign(data, pk)
	if err != nil {
		t.Fatalf("Should be able to sign data: %s", err)
	}

	if !signature.Verify(data, sig, crypto.FromECDSAPub(&pk.PublicKey)) {
		t.Fatalf("Should be able to verify the signature.")
	}

	if signature.Verify([]byte("other data"), sig, crypto.FromECDSAPub(&pk.PublicKey)) {
		t.Fatalf("Should not verify against different data.")
	}

	publicKey, err := signature.RecoverPublicKey(data, sig)
	if err != nil {
		t.Fatalf("Should be able to recover the public key: %s", err)
	}

	if !bytes.Equal(publicKey, crypto.FromECDSAPub(&pk.PublicKey)) {
		t.Logf("got: %x", publicKey)
		t.Logf("exp: %x", crypto.FromECDSAPub(&pk.PublicKey))
		t.Fatalf("Should recover the signing key.")
	}
}

func Test_Hash(t *testing.T) {
	data := []byte("the quick brown fox")

	h1 := signature.Hash(data)
	h2 := signature.Hash(data)
	if h1 != h2 {
		t.Fatalf("Should get back the same hash twice.")
	}

	if h1 == signature.Hash([]byte("other data")) {
		t.Fatalf("Should get different hashes for different data.")
	}

	split := signature.Hash([]byte("the quick"), []byte(" brown fox"))
	if split != signature.Hash([]byte("the quick brown fox")) {
		t.Fatalf("Should hash the concatenation of the parts.")
	}
}

func Test_VerifyMalformed(t *testing.T) {
	data := []byte("payload")

	pk, err := crypto.HexToECDSA(pkHexKey)
	if err != nil {
		t.Fatalf("Should be able to parse a private key: %s", err)
	}

	if signature.Verify(data, []byte("short"), crypto.FromECDSAPub(&pk.PublicKey)) {
		t.Fatalf("Should reject a malformed signature.")
	}

	if _, err := signature.RecoverPublicKey(data, []byte("short")); err == nil {
		t.Fatalf("Should reject recovery from a malformed signature.")
	}
}
