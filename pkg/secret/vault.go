// Package secret owns the lifecycle of swap secrets, from generation through
// ordered reveal to zeroing once the session is terminal. Secrets are hashed
// with sha256, the one digest both the bitcoin script and the evm escrow
// contract verify natively. A single-fill order carries one secret, a partial
// fill of n parts carries n+1 secrets under a merkle tree so that each tranche
// is authorized by its own leaf.
package secret

import (
	cryptoRand "crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/catalogfi/gardend/pkg/model"
)

// Size is the byte length of every secret. Both lock scripts audit the
// preimage size to prevent fraud between chains with different data limits.
const Size = 32

// Digest names the hash function both legs must enforce in their lock
// conditions. Session setup rejects adapters advertising anything else.
const Digest = "sha256"

var (
	ErrInvalidFillPolicy = errors.New("invalid fill policy")
	ErrPrematureReveal   = errors.New("premature reveal")
	ErrDestroyed         = errors.New("secret set destroyed")
)

// Set holds the secrets of one order. It is session scoped, never shared or
// cached across sessions.
type Set struct {
	mu         sync.Mutex
	secrets    [][]byte
	hashes     [][sha256.Size]byte
	tree       *MerkleTree
	dualFunded []bool
	destroyed  bool
}

// Generate creates the secret set for an order. It is called exactly once per
// order, the order is immutable afterwards.
func Generate(order model.SwapOrder) (*Set, error) {
	if order.Fill.Parts == 0 {
		return nil, fmt.Errorf("%w: zero parts", ErrInvalidFillPolicy)
	}

	count := 1
	if !order.Fill.Single() {
		count = int(order.Fill.Parts) + 1
	}

	secrets := make([][]byte, count)
	hashes := make([][sha256.Size]byte, count)
	for i := range secrets {
		secrets[i] = make([]byte, Size)
		if _, err := cryptoRand.Read(secrets[i]); err != nil {
			return nil, fmt.Errorf("failed generating random secret, err : %v", err)
		}
		hashes[i] = sha256.Sum256(secrets[i])
	}

	tree, err := NewMerkleTree(hashes)
	if err != nil {
		return nil, err
	}
	return &Set{
		secrets:    secrets,
		hashes:     hashes,
		tree:       tree,
		dualFunded: make([]bool, count),
	}, nil
}

// Restore rebuilds a set from secrets read back from the durable store, so a
// restarted coordinator can resume partially filled sessions. Dual-funding
// marks are not part of the secrets, the caller re-derives them from the
// persisted escrow states.
func Restore(secrets [][]byte) (*Set, error) {
	if len(secrets) == 0 {
		return nil, fmt.Errorf("%w: no secrets", ErrInvalidFillPolicy)
	}
	copies := make([][]byte, len(secrets))
	hashes := make([][sha256.Size]byte, len(secrets))
	for i, secret := range secrets {
		if len(secret) != Size {
			return nil, fmt.Errorf("secret %v has length %v, want %v", i, len(secret), Size)
		}
		copies[i] = append([]byte{}, secret...)
		hashes[i] = sha256.Sum256(secret)
	}

	tree, err := NewMerkleTree(hashes)
	if err != nil {
		return nil, err
	}
	return &Set{
		secrets:    copies,
		hashes:     hashes,
		tree:       tree,
		dualFunded: make([]bool, len(copies)),
	}, nil
}

// Secrets returns copies of the raw secrets for durable storage. The reveal
// guard does not apply here, persistence happens within the coordinator's own
// trust boundary before any counterparty is involved.
func (set *Set) Secrets() ([][]byte, error) {
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.destroyed {
		return nil, ErrDestroyed
	}
	out := make([][]byte, len(set.secrets))
	for i, secret := range set.secrets {
		out[i] = append([]byte{}, secret...)
	}
	return out, nil
}

func (set *Set) Count() int {
	return len(set.hashes)
}

// Hash returns the commitment for the leaf at the given index.
func (set *Set) Hash(index int) ([sha256.Size]byte, error) {
	if index < 0 || index >= len(set.hashes) {
		return [sha256.Size]byte{}, fmt.Errorf("secret index %v out of range", index)
	}
	return set.hashes[index], nil
}

func (set *Set) MerkleRoot() [sha256.Size]byte {
	return set.tree.Root()
}

func (set *Set) Proof(index int) ([][sha256.Size]byte, error) {
	return set.tree.Proof(index)
}

// MarkDualFunded records that both legs of the tranche at the given index have
// confirmed funding on chain. Only the coordinator calls this, under the
// session lock, after both adapters report Funded.
func (set *Set) MarkDualFunded(index int) error {
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.destroyed {
		return ErrDestroyed
	}
	if index < 0 || index >= len(set.dualFunded) {
		return fmt.Errorf("secret index %v out of range", index)
	}
	set.dualFunded[index] = true
	return nil
}

// Reveal hands out the secret at the given index. It fails with
// ErrPrematureReveal unless the tranche at that index has been marked dual
// funded, the ordering guard which stops a counterparty from redeeming one
// leg without ever funding the other.
func (set *Set) Reveal(index int) ([]byte, error) {
	set.mu.Lock()
	defer set.mu.Unlock()
	if set.destroyed {
		return nil, ErrDestroyed
	}
	if index < 0 || index >= len(set.secrets) {
		return nil, fmt.Errorf("secret index %v out of range", index)
	}
	if !set.dualFunded[index] {
		return nil, fmt.Errorf("%w: tranche %v is not dual funded", ErrPrematureReveal, index)
	}
	secret := make([]byte, Size)
	copy(secret, set.secrets[index])
	return secret, nil
}

// VerifyLeaf recomputes the hash of a revealed secret and checks its merkle
// inclusion at the given index. This mirrors the on-chain verification, a
// resolver cannot reuse a secret for an index it wasn't assigned.
func (set *Set) VerifyLeaf(root [sha256.Size]byte, index int, revealed []byte) bool {
	if len(revealed) != Size {
		return false
	}
	proof, err := set.tree.Proof(index)
	if err != nil {
		return false
	}
	return VerifyProof(root, index, sha256.Sum256(revealed), proof)
}

// Destroy zeroes all secret material. Called once the session reaches a
// terminal state, every later access fails with ErrDestroyed.
func (set *Set) Destroy() {
	set.mu.Lock()
	defer set.mu.Unlock()
	for i := range set.secrets {
		for j := range set.secrets[i] {
			set.secrets[i][j] = 0
		}
	}
	set.destroyed = true
}
