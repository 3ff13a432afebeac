// Package merkle verifies inclusion proofs for distribution entitlements.
//
// The tree itself is built off-line by the campaign tooling; this package only
// needs to recompute the path from a leaf to the published root. Sibling
// ordering is canonical (smaller hash first), so proofs carry no left/right
// positioning information.
package merkle

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"
)

// HashSize is the size of a node hash in bytes.
const HashSize = 32

// Hash is a keccak-256 digest of a tree node.
type Hash [HashSize]byte

// HashFromBase58 parses a base58-encoded 32-byte hash.
func HashFromBase58(s string) (Hash, error) {
	var h Hash
	raw, err := base58.Decode(s)
	if err != nil {
		return h, fmt.Errorf("failed to decode hash: %w", err)
	}
	if len(raw) != HashSize {
		return h, fmt.Errorf("invalid hash length: got %d, want %d", len(raw), HashSize)
	}
	copy(h[:], raw)
	return h, nil
}

func (h Hash) String() string {
	return base58.Encode(h[:])
}

// IsZero reports whether the hash is all zeroes.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Leaf computes the leaf hash binding a recipient to its maximum entitlement:
// keccak256(recipient_pubkey || entitlement_be).
func Leaf(recipient solana.PublicKey, entitlement uint64) Hash {
	var amount [8]byte
	binary.BigEndian.PutUint64(amount[:], entitlement)
	return hashNodes(recipient[:], amount[:])
}

// Verify folds the proof path over the leaf and reports whether the resulting
// hash matches root. At each step the current hash and the proof element are
// combined smaller-first, which makes the fold agnostic to whether the element
// was a left or right sibling.
func Verify(leaf Hash, proof []Hash, root Hash) bool {
	computed := leaf
	for _, element := range proof {
		if bytes.Compare(computed[:], element[:]) <= 0 {
			computed = hashNodes(computed[:], element[:])
		} else {
			computed = hashNodes(element[:], computed[:])
		}
	}
	return computed == root
}

func hashNodes(parts ...[]byte) Hash {
	d := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		d.Write(p)
	}
	var h Hash
	d.Sum(h[:0])
	return h
}
