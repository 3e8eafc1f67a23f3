package secret

import (
	"crypto/sha256"
	"fmt"
)

// MerkleTree is a sha256 hash tree over the leaf hashes of a secret set. An
// odd node at any level is paired with itself, the bitcoin convention.
type MerkleTree struct {
	levels [][][sha256.Size]byte
}

func NewMerkleTree(leaves [][sha256.Size]byte) (*MerkleTree, error) {
	if len(leaves) == 0 {
		return nil, fmt.Errorf("merkle tree needs at least one leaf")
	}

	levels := [][][sha256.Size]byte{leaves}
	for level := levels[0]; len(level) > 1; {
		next := make([][sha256.Size]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		levels = append(levels, next)
		level = next
	}
	return &MerkleTree{levels: levels}, nil
}

func (tree *MerkleTree) Root() [sha256.Size]byte {
	top := tree.levels[len(tree.levels)-1]
	return top[0]
}

func (tree *MerkleTree) LeafCount() int {
	return len(tree.levels[0])
}

// Proof returns the sibling hashes from the leaf at the given index up to the
// root.
func (tree *MerkleTree) Proof(index int) ([][sha256.Size]byte, error) {
	if index < 0 || index >= tree.LeafCount() {
		return nil, fmt.Errorf("leaf index %v out of range", index)
	}

	proof := make([][sha256.Size]byte, 0, len(tree.levels)-1)
	for _, level := range tree.levels[:len(tree.levels)-1] {
		sibling := index ^ 1
		if sibling >= len(level) {
			sibling = index
		}
		proof = append(proof, level[sibling])
		index >>= 1
	}
	return proof, nil
}

// VerifyProof recomputes the root from a leaf hash and its inclusion proof.
// The index decides on which side each sibling is hashed, so a valid proof for
// one index never verifies at another.
func VerifyProof(root [sha256.Size]byte, index int, leaf [sha256.Size]byte, proof [][sha256.Size]byte) bool {
	if index < 0 {
		return false
	}
	node := leaf
	for _, sibling := range proof {
		if index&1 == 0 {
			node = hashPair(node, sibling)
		} else {
			node = hashPair(sibling, node)
		}
		index >>= 1
	}
	return node == root
}

func hashPair(left, right [sha256.Size]byte) [sha256.Size]byte {
	return sha256.Sum256(append(left[:], right[:]...))
}
