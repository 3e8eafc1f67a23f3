// Package adapter defines the capability every chain must implement for the
// coordinator to drive a swap leg on it. Concrete mechanics (contract calls on
// an account chain, script-locked transactions on a utxo chain) live behind
// this interface.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/catalogfi/gardend/pkg/model"
)

// Handle identifies one escrow on one chain. It is opaque to the coordinator,
// an adapter may encode an address, a contract order id or an outpoint.
type Handle string

// ChainTime is the chain-native clock, block height on utxo chains and either
// block number or timestamp on account chains. Timelocks are compared in this
// unit only.
type ChainTime = uint64

type Status uint8

const (
	StatusUnknown Status = iota
	StatusPending
	StatusFunded
	StatusRedeemed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusFunded:
		return "funded"
	case StatusRedeemed:
		return "redeemed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// EscrowState is an adapter observation of one escrow. Secret is set only
// when the status is StatusRedeemed, on-chain disclosure of the preimage
// counts as the coordinator knowing it. Locked and Proof back the
// Pending -> Funded transition guard.
type EscrowState struct {
	Status Status
	Secret []byte
	Locked *big.Int
	Proof  []byte
}

// FundingParams describe the escrow an adapter should create and fund.
type FundingParams struct {
	HashCommitment [32]byte
	Timelock       ChainTime
	Principal      *big.Int
	SafetyDeposit  *big.Int
	Funder         string
	Redeemer       string
}

// ChainAdapter is implemented once per chain. Adapters are shared, stateless
// services from the coordinator's point of view, all per-swap state lives in
// the session. Transient RPC failures are retried inside the adapter, an
// error escaping these methods is either permanent or has exhausted its
// retries.
type ChainAdapter interface {
	Chain() model.Chain

	// LockDigest names the hash function the chain's lock condition
	// enforces. Both legs of a session must agree or atomicity silently
	// breaks, session setup checks this.
	LockDigest() string

	CreateAndFund(ctx context.Context, params FundingParams) (Handle, error)

	QueryState(ctx context.Context, handle Handle) (EscrowState, error)

	Redeem(ctx context.Context, handle Handle, secret []byte) (string, error)

	Cancel(ctx context.Context, handle Handle) (string, error)

	CurrentChainTime(ctx context.Context) (ChainTime, error)
}

// Error wraps an adapter failure with its retryability. Only permanent
// failures force the coordinator into the refunding path, anything transient
// leaves the tranche in its current phase to be retried on the next tick.
type Error struct {
	Permanent bool
	Err       error
}

func (e *Error) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%v adapter error: %v", kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewPermanentError(err error) error {
	return &Error{Permanent: true, Err: err}
}

func NewTransientError(err error) error {
	return &Error{Permanent: false, Err: err}
}

// IsPermanent reports whether an adapter call failed in a way retrying cannot
// fix. Untyped errors are treated as transient, the safe default since a
// premature refund attempt simply fails on chain while a premature phase
// change abandons a recoverable tranche.
func IsPermanent(err error) bool {
	var adapterErr *Error
	if errors.As(err, &adapterErr) {
		return adapterErr.Permanent
	}
	return false
}
