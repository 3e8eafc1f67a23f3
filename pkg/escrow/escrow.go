// Package escrow models one HTLC leg of a swap tranche and the transitions
// its on-chain contract allows. The record never talks to a chain itself, it
// only accepts observations the chain adapters report and rejects any
// transition the lock conditions would not permit.
package escrow

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/catalogfi/gardend/pkg/model"
)

type State uint

const (
	Pending State = iota
	Funded
	Redeemed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Funded:
		return "funded"
	case Redeemed:
		return "redeemed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint(s))
	}
}

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	return s == Redeemed || s == Cancelled
}

type ChainRole string

const (
	RoleSource      ChainRole = "source"
	RoleDestination ChainRole = "destination"
)

var (
	ErrInvalidTransition        = errors.New("invalid escrow transition")
	ErrConflictingTerminalState = errors.New("conflicting terminal state")
	ErrInsufficientLock         = errors.New("locked amount below principal plus deposit")
	ErrSecretMismatch           = errors.New("secret does not match hash commitment")
	ErrTimelockNotElapsed       = errors.New("timelock has not elapsed")
)

// FundingProof is the adapter-reported evidence that the principal and safety
// deposit are unconditionally locked behind the hash/timelock conditions. The
// proof bytes are opaque to the coordinator (a tx ref, a log entry).
type FundingProof struct {
	Locked *big.Int
	Proof  []byte
}

// Record is one leg of one tranche. Its methods are not safe for concurrent
// use, the owning session's lock serializes all transitions.
type Record struct {
	Chain          model.Chain
	Role           ChainRole
	TrancheIndex   int
	HashCommitment [sha256.Size]byte

	// Timelock is the absolute chain-native expiry (block height or
	// timestamp) after which the funder may reclaim.
	Timelock uint64

	Principal     *big.Int
	SafetyDeposit *big.Int

	state State
}

func NewRecord(chain model.Chain, role ChainRole, trancheIndex int, commitment [sha256.Size]byte, timelock uint64, principal, deposit *big.Int) (*Record, error) {
	if principal == nil || principal.Sign() <= 0 {
		return nil, fmt.Errorf("escrow principal must be positive")
	}
	if deposit == nil || deposit.Sign() < 0 {
		return nil, fmt.Errorf("safety deposit must not be negative")
	}
	return &Record{
		Chain:          chain,
		Role:           role,
		TrancheIndex:   trancheIndex,
		HashCommitment: commitment,
		Timelock:       timelock,
		Principal:      principal,
		SafetyDeposit:  deposit,
	}, nil
}

// RestoreRecord rebuilds a persisted leg after a restart. The stored state
// already passed the transition guards before it was written, so it is adopted
// as is.
func RestoreRecord(chain model.Chain, role ChainRole, trancheIndex int, commitment [sha256.Size]byte, timelock uint64, principal, deposit *big.Int, state State) (*Record, error) {
	record, err := NewRecord(chain, role, trancheIndex, commitment, timelock, principal, deposit)
	if err != nil {
		return nil, err
	}
	if state > Cancelled {
		return nil, fmt.Errorf("unknown escrow state = %v", uint(state))
	}
	record.state = state
	return record, nil
}

func (r *Record) State() State {
	return r.state
}

// required returns principal + safety deposit.
func (r *Record) required() *big.Int {
	return new(big.Int).Add(r.Principal, r.SafetyDeposit)
}

// Fund applies an adapter-confirmed funding observation. Re-applying funding
// to an already funded record is a no-op so that adapter polls are idempotent.
func (r *Record) Fund(proof FundingProof) error {
	switch r.state {
	case Pending:
	case Funded:
		return nil
	default:
		return fmt.Errorf("%w: %v -> funded", ErrInvalidTransition, r.state)
	}
	if proof.Locked == nil || proof.Locked.Cmp(r.required()) < 0 {
		return fmt.Errorf("%w: locked %v, required %v", ErrInsufficientLock, proof.Locked, r.required())
	}
	r.state = Funded
	return nil
}

// Redeem applies an adapter-confirmed spend with the given secret. The secret
// must be the preimage of the hash commitment. A redeem observed after the
// record was cancelled is a race the chain has already resolved the other
// way, it surfaces as ErrConflictingTerminalState and is never applied.
func (r *Record) Redeem(revealed []byte) error {
	switch r.state {
	case Funded:
	case Redeemed:
		return nil
	case Cancelled:
		return fmt.Errorf("%w: redeem after cancel", ErrConflictingTerminalState)
	default:
		return fmt.Errorf("%w: %v -> redeemed", ErrInvalidTransition, r.state)
	}
	if sha256.Sum256(revealed) != r.HashCommitment {
		return ErrSecretMismatch
	}
	r.state = Redeemed
	return nil
}

// Cancel applies an adapter-confirmed refund. The chain adapter's clock is
// authoritative, a cancel is only accepted once the timelock has strictly
// elapsed at the reported chain time. Wall-clock estimates never gate this
// transition.
func (r *Record) Cancel(chainTime uint64) error {
	switch r.state {
	case Funded:
	case Cancelled:
		return nil
	case Redeemed:
		return fmt.Errorf("%w: cancel after redeem", ErrConflictingTerminalState)
	default:
		return fmt.Errorf("%w: %v -> cancelled", ErrInvalidTransition, r.state)
	}
	if chainTime <= r.Timelock {
		return fmt.Errorf("%w: chain time %v, timelock %v", ErrTimelockNotElapsed, chainTime, r.Timelock)
	}
	r.state = Cancelled
	return nil
}

// Abandon marks a leg that never reached funding. Nothing is locked on chain
// so there is nothing to refund, the record just becomes terminal.
func (r *Record) Abandon() error {
	switch r.state {
	case Pending:
		r.state = Cancelled
		return nil
	case Cancelled:
		return nil
	default:
		return fmt.Errorf("%w: abandon from %v", ErrInvalidTransition, r.state)
	}
}
