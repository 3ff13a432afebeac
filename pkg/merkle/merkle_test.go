package merkle_test

import (
	"bytes"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"github.com/meridianlabs/claimd/pkg/merkle"
)

// testTree is a minimal sorted-pair merkle tree, mirroring the off-line tree
// builder used by campaign tooling. Odd nodes are promoted to the next layer.
type testTree struct {
	layers [][]merkle.Hash
}

func combine(a, b merkle.Hash) merkle.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	d := sha3.NewLegacyKeccak256()
	d.Write(a[:])
	d.Write(b[:])
	var h merkle.Hash
	d.Sum(h[:0])
	return h
}

func newTestTree(leaves []merkle.Hash) *testTree {
	layers := [][]merkle.Hash{leaves}
	cur := leaves
	for len(cur) > 1 {
		var next []merkle.Hash
		for i := 0; i < len(cur); i += 2 {
			if i+1 == len(cur) {
				next = append(next, cur[i])
				continue
			}
			next = append(next, combine(cur[i], cur[i+1]))
		}
		layers = append(layers, next)
		cur = next
	}
	return &testTree{layers: layers}
}

func (t *testTree) root() merkle.Hash {
	top := t.layers[len(t.layers)-1]
	return top[0]
}

func (t *testTree) proof(index int) []merkle.Hash {
	var proof []merkle.Hash
	for _, layer := range t.layers[:len(t.layers)-1] {
		sibling := index ^ 1
		if sibling < len(layer) {
			proof = append(proof, layer[sibling])
		}
		index /= 2
	}
	return proof
}

type testEntry struct {
	recipient   solana.PublicKey
	entitlement uint64
}

func testEntries(t *testing.T, n int) []testEntry {
	t.Helper()
	entries := make([]testEntry, n)
	for i := range entries {
		wallet := solana.NewWallet()
		entries[i] = testEntry{
			recipient:   wallet.PublicKey(),
			entitlement: uint64(1_000_000 * (i + 1)),
		}
	}
	return entries
}

func leavesOf(entries []testEntry) []merkle.Hash {
	leaves := make([]merkle.Hash, len(entries))
	for i, e := range entries {
		leaves[i] = merkle.Leaf(e.recipient, e.entitlement)
	}
	return leaves
}

func TestClaimd_Merkle_Verify(t *testing.T) {
	t.Parallel()

	t.Run("accepts valid proofs for every leaf", func(t *testing.T) {
		t.Parallel()

		for _, n := range []int{1, 2, 3, 7, 8, 33} {
			entries := testEntries(t, n)
			tree := newTestTree(leavesOf(entries))

			for i, e := range entries {
				leaf := merkle.Leaf(e.recipient, e.entitlement)
				require.True(t, merkle.Verify(leaf, tree.proof(i), tree.root()),
					"leaf %d of %d should verify", i, n)
			}
		}
	})

	t.Run("rejects perturbed leaf", func(t *testing.T) {
		t.Parallel()

		entries := testEntries(t, 8)
		tree := newTestTree(leavesOf(entries))

		leaf := merkle.Leaf(entries[3].recipient, entries[3].entitlement+1)
		require.False(t, merkle.Verify(leaf, tree.proof(3), tree.root()))

		leaf = merkle.Leaf(entries[2].recipient, entries[3].entitlement)
		require.False(t, merkle.Verify(leaf, tree.proof(3), tree.root()))
	})

	t.Run("rejects single-bit perturbation of any proof element", func(t *testing.T) {
		t.Parallel()

		entries := testEntries(t, 8)
		tree := newTestTree(leavesOf(entries))
		leaf := merkle.Leaf(entries[5].recipient, entries[5].entitlement)
		proof := tree.proof(5)

		for i := range proof {
			perturbed := make([]merkle.Hash, len(proof))
			copy(perturbed, proof)
			perturbed[i][0] ^= 0x01
			require.False(t, merkle.Verify(leaf, perturbed, tree.root()),
				"flipping a bit in proof element %d should fail", i)
		}
	})

	t.Run("rejects perturbed root", func(t *testing.T) {
		t.Parallel()

		entries := testEntries(t, 4)
		tree := newTestTree(leavesOf(entries))
		leaf := merkle.Leaf(entries[0].recipient, entries[0].entitlement)

		root := tree.root()
		root[31] ^= 0x80
		require.False(t, merkle.Verify(leaf, tree.proof(0), root))
	})

	t.Run("rejects proof for a different tree", func(t *testing.T) {
		t.Parallel()

		entries := testEntries(t, 4)
		tree := newTestTree(leavesOf(entries))
		other := newTestTree(leavesOf(testEntries(t, 4)))

		leaf := merkle.Leaf(entries[0].recipient, entries[0].entitlement)
		require.False(t, merkle.Verify(leaf, tree.proof(0), other.root()))
	})

	t.Run("single leaf tree verifies with empty proof", func(t *testing.T) {
		t.Parallel()

		entries := testEntries(t, 1)
		leaf := merkle.Leaf(entries[0].recipient, entries[0].entitlement)
		require.True(t, merkle.Verify(leaf, nil, leaf))
	})
}

func TestClaimd_Merkle_HashFromBase58(t *testing.T) {
	t.Parallel()

	t.Run("round trips", func(t *testing.T) {
		t.Parallel()

		entries := testEntries(t, 2)
		tree := newTestTree(leavesOf(entries))
		root := tree.root()

		parsed, err := merkle.HashFromBase58(root.String())
		require.NoError(t, err)
		require.Equal(t, root, parsed)
	})

	t.Run("rejects wrong length", func(t *testing.T) {
		t.Parallel()

		_, err := merkle.HashFromBase58("3yZe7d") // decodes to fewer than 32 bytes
		require.Error(t, err)
		require.Contains(t, err.Error(), "invalid hash length")
	})

	t.Run("rejects invalid base58", func(t *testing.T) {
		t.Parallel()

		_, err := merkle.HashFromBase58("not-base58-0OIl")
		require.Error(t, err)
	})
}
