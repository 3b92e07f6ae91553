// Copyright 2017 Cameron Bergoon
// https://github.com/cbergoon/merkletree
// Licensed under the MIT License, see LICENCE file for details.

package merkle_test

import (
	"bytes"
	"crypto/sha256"
	"hash"
	"testing"

	"golang.org/x/crypto/blake2b"

	"github.com/rajeshkarthik/EncryCore/foundation/blockchain/merkle"
)

// Data uses the sha256 hashing algorithm for its leaf hashes.
type Data struct {
	x string
}

// Hash hashes the values using sha256.
func (d Data) Hash() ([]byte, error) {
	h := sha256.New()
	if _, err := h.Write([]byte(d.x)); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}

// Equals tests for equality of two pieces of data.
func (d Data) Equals(other Data) (bool, error) {
	return d.x == other.x, nil
}

// =============================================================================

var table = []struct {
	testCaseID    int
	data          []Data
	notInContents Data
	expectedHash  []byte
}{
	{
		testCaseID: 1,
		data: []Data{
			{x: "Hello"}, {x: "Hi"}, {x: "Hey"}, {x: "Hola"},
		},
		notInContents: Data{x: "NotInTestTable"},
		expectedHash:  []byte{95, 48, 204, 128, 19, 59, 147, 148, 21, 110, 36, 178, 51, 240, 196, 190, 50, 178, 78, 68, 187, 51, 129, 240, 44, 123, 165, 38, 25, 208, 254, 188},
	},
	{
		testCaseID: 2,
		data: []Data{
			{x: "Hello"}, {x: "Hi"}, {x: "Hey"},
		},
		notInContents: Data{x: "NotInTestTable"},
		expectedHash:  []byte{189, 214, 55, 197, 35, 237, 92, 14, 171, 121, 43, 152, 109, 177, 136, 80, 194, 57, 162, 226, 56, 2, 179, 106, 255, 38, 187, 104, 251, 63, 224, 8},
	},
	{
		testCaseID: 3,
		data: []Data{
			{x: "123"}, {x: "234"}, {x: "345"}, {x: "456"}, {x: "1123"}, {x: "2234"}, {x: "3345"}, {x: "4456"},
		},
		notInContents: Data{x: "NotInTestTable"},
		expectedHash:  []byte{30, 76, 61, 40, 106, 173, 169, 183, 149, 2, 157, 246, 162, 218, 4, 70, 153, 148, 62, 162, 90, 24, 173, 250, 41, 149, 173, 121, 141, 187, 146, 43},
	},
}

// =============================================================================

func Test_NewTreeWithDefault(t *testing.T) {
	for i := 0; i < len(table); i++ {
		tree, err := merkle.NewTree(table[i].data)
		if err != nil {
			t.Errorf("[case:%d] error: unexpected error: %v", table[i].testCaseID, err)
		}
		if !bytes.Equal(tree.MerkleRoot, table[i].expectedHash) {
			t.Errorf("[case:%d] error: expected hash equal to %v got %v", table[i].testCaseID, table[i].expectedHash, tree.MerkleRoot)
		}
	}
}

func Test_NewTreeWithHashingStrategy(t *testing.T) {
	strategy := func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	}

	for i := 0; i < len(table); i++ {
		tree, err := merkle.NewTree(table[i].data, merkle.WithHashStrategy[Data](strategy))
		if err != nil {
			t.Errorf("[case:%d] error: unexpected error: %v", table[i].testCaseID, err)
		}

		// A different strategy produces a different, self-consistent
		// root.
		if bytes.Equal(tree.MerkleRoot, table[i].expectedHash) {
			t.Errorf("[case:%d] error: expected a different root under blake2b", table[i].testCaseID)
		}
		if err := tree.Verify(); err != nil {
			t.Errorf("[case:%d] error: expected tree to verify: %v", table[i].testCaseID, err)
		}
	}
}

func Test_Verify(t *testing.T) {
	for i := 0; i < len(table); i++ {
		tree, err := merkle.NewTree(table[i].data)
		if err != nil {
			t.Errorf("[case:%d] error: unexpected error: %v", table[i].testCaseID, err)
		}

		if err := tree.Verify(); err != nil {
			t.Errorf("[case:%d] error: expected tree to verify: %v", table[i].testCaseID, err)
		}

		// Tampering with the root must fail verification.
		tree.MerkleRoot = append([]byte{}, tree.MerkleRoot...)
		tree.MerkleRoot[0] ^= 0xFF
		if err := tree.Verify(); err == nil {
			t.Errorf("[case:%d] error: expected tampered tree to fail verification", table[i].testCaseID)
		}
	}
}

func Test_VerifyData(t *testing.T) {
	for i := 0; i < len(table); i++ {
		tree, err := merkle.NewTree(table[i].data)
		if err != nil {
			t.Errorf("[case:%d] error: unexpected error: %v", table[i].testCaseID, err)
		}

		for _, d := range table[i].data {
			if err := tree.VerifyData(d); err != nil {
				t.Errorf("[case:%d] error: expected data to verify: %v", table[i].testCaseID, err)
			}
		}

		if err := tree.VerifyData(table[i].notInContents); err == nil {
			t.Errorf("[case:%d] error: expected absent data to fail verification", table[i].testCaseID)
		}
	}
}

func Test_Proof(t *testing.T) {
	for i := 0; i < len(table); i++ {
		tree, err := merkle.NewTree(table[i].data)
		if err != nil {
			t.Errorf("[case:%d] error: unexpected error: %v", table[i].testCaseID, err)
		}

		for _, d := range table[i].data {
			proof, order, err := tree.Proof(d)
			if err != nil {
				t.Errorf("[case:%d] error: unexpected proof error: %v", table[i].testCaseID, err)
			}
			if len(proof) != len(order) {
				t.Errorf("[case:%d] error: proof and order lengths differ", table[i].testCaseID)
			}

			// Fold the proof back up to the root.
			hash, err := d.Hash()
			if err != nil {
				t.Errorf("[case:%d] error: unexpected hash error: %v", table[i].testCaseID, err)
			}
			for j, sibling := range proof {
				h := sha256.New()
				if order[j] == 0 {
					h.Write(append(append([]byte{}, sibling...), hash...))
				} else {
					h.Write(append(append([]byte{}, hash...), sibling...))
				}
				hash = h.Sum(nil)
			}
			if !bytes.Equal(hash, tree.MerkleRoot) {
				t.Errorf("[case:%d] error: proof does not fold to the merkle root", table[i].testCaseID)
			}
		}

		if _, _, err := tree.Proof(table[i].notInContents); err == nil {
			t.Errorf("[case:%d] error: expected proof of absent data to fail", table[i].testCaseID)
		}
	}
}

func Test_Rebuild(t *testing.T) {
	for i := 0; i < len(table); i++ {
		tree, err := merkle.NewTree(table[i].data)
		if err != nil {
			t.Errorf("[case:%d] error: unexpected error: %v", table[i].testCaseID, err)
		}

		root := append([]byte{}, tree.MerkleRoot...)
		if err := tree.Rebuild(); err != nil {
			t.Errorf("[case:%d] error: unexpected rebuild error: %v", table[i].testCaseID, err)
		}
		if !bytes.Equal(root, tree.MerkleRoot) {
			t.Errorf("[case:%d] error: rebuild changed the merkle root", table[i].testCaseID)
		}
	}
}
