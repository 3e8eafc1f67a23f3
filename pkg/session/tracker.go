package session

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/catalogfi/gardend/pkg/adapter"
	"github.com/catalogfi/gardend/pkg/escrow"
	"github.com/catalogfi/gardend/pkg/model"
)

var (
	ErrExhausted      = errors.New("order fully allocated")
	ErrOverAllocation = errors.New("fill exceeds order total")
)

// TrancheParams describe one tranche the coordinator wants to open. Amounts
// are in destination asset units, the source leg is scaled pro rata.
type TrancheParams struct {
	Amount       *big.Int
	Counterparty string

	SourceTimelock uint64
	DestTimelock   uint64

	SourceDeposit *big.Int
	DestDeposit   *big.Int
}

// NextIndex returns the next unassigned merkle leaf index without consuming
// it. Callers hold the session lock.
func (s *Session) NextIndex() (int, error) {
	if s.completed.Cmp(s.Order.DestAsset.Amount) >= 0 {
		return 0, ErrExhausted
	}
	if s.nextIndex >= s.Secrets.Count() {
		return 0, ErrExhausted
	}
	return s.nextIndex, nil
}

// AssignTranche consumes the next leaf index and creates the tranche with its
// two escrow records. Indices are handed out strictly increasing and never
// reused, which keeps hash commitments unique across tranches and preserves
// the unfilled remainder the merkle tree encodes.
//
// The over-allocation guard counts completed plus in-flight tranches, so
// concurrent resolvers can never commit the coordinator beyond the order
// total. The source leg must outlive the destination leg: the second funder
// needs a window to redeem the source escrow after redeeming its own, so
// timelock_source > timelock_destination is enforced here and a violating
// tranche is rejected before anything is funded.
func (s *Session) AssignTranche(params TrancheParams) (*Tranche, error) {
	index, err := s.NextIndex()
	if err != nil {
		return nil, err
	}
	if s.cancelled {
		return nil, fmt.Errorf("session is cancelled")
	}
	if params.Amount == nil || params.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("tranche amount must be positive")
	}
	if params.SourceTimelock <= params.DestTimelock {
		return nil, fmt.Errorf("%w: source %v <= destination %v",
			ErrTimelockOrdering, params.SourceTimelock, params.DestTimelock)
	}

	newTotal := new(big.Int).Add(s.allocated, params.Amount)
	if newTotal.Cmp(s.Order.DestAsset.Amount) > 0 {
		return nil, fmt.Errorf("%w: allocated %v + %v > %v",
			ErrOverAllocation, s.allocated, params.Amount, s.Order.DestAsset.Amount)
	}

	commitment, err := s.Secrets.Hash(index)
	if err != nil {
		return nil, err
	}

	sourceAmount := scaleAmount(params.Amount, s.Order.DestAsset.Amount, s.Order.SourceAsset.Amount)
	source, err := escrow.NewRecord(s.Order.SourceAsset.Chain, escrow.RoleSource, index,
		commitment, params.SourceTimelock, sourceAmount, orZero(params.SourceDeposit))
	if err != nil {
		return nil, err
	}
	dest, err := escrow.NewRecord(s.Order.DestAsset.Chain, escrow.RoleDestination, index,
		commitment, params.DestTimelock, params.Amount, orZero(params.DestDeposit))
	if err != nil {
		return nil, err
	}

	tranche := &Tranche{
		Index:        index,
		Amount:       new(big.Int).Set(params.Amount),
		Counterparty: params.Counterparty,
		Source:       source,
		Dest:         dest,
		phase:        Matched,
	}
	s.tranches = append(s.tranches, tranche)
	s.allocated = newTotal
	s.nextIndex++
	return tranche, nil
}

// TrancheState carries the persisted fields of one tranche for rehydration
// after a restart.
type TrancheState struct {
	Index        int
	Amount       *big.Int
	Counterparty string
	Phase        Phase
	Source       *escrow.Record
	Dest         *escrow.Record
	SourceHandle adapter.Handle
	DestHandle   adapter.Handle
}

// RestoreTranche re-attaches a persisted tranche. Indices must arrive in their
// original ascending order so the leaf accounting matches the first run. The
// commitment is checked against the restored secret set, a session whose
// secrets and escrows drifted apart in storage is rejected rather than driven.
func (s *Session) RestoreTranche(state TrancheState) error {
	if state.Index != s.nextIndex {
		return fmt.Errorf("tranche index %v out of order, want %v", state.Index, s.nextIndex)
	}
	if state.Amount == nil || state.Amount.Sign() <= 0 {
		return fmt.Errorf("tranche amount must be positive")
	}
	commitment, err := s.Secrets.Hash(state.Index)
	if err != nil {
		return err
	}
	if state.Source == nil || state.Dest == nil {
		return fmt.Errorf("tranche %v is missing a leg", state.Index)
	}
	if state.Source.HashCommitment != commitment || state.Dest.HashCommitment != commitment {
		return fmt.Errorf("tranche %v commitment does not match the secret set", state.Index)
	}

	tranche := &Tranche{
		Index:        state.Index,
		Amount:       new(big.Int).Set(state.Amount),
		Counterparty: state.Counterparty,
		Source:       state.Source,
		Dest:         state.Dest,
		SourceHandle: state.SourceHandle,
		DestHandle:   state.DestHandle,
		phase:        state.Phase,
	}
	s.tranches = append(s.tranches, tranche)
	s.nextIndex = state.Index + 1

	switch state.Phase {
	case Completed:
		s.allocated = new(big.Int).Add(s.allocated, tranche.Amount)
		s.completed = new(big.Int).Add(s.completed, tranche.Amount)
	case Failed:
		// Released back to the remainder when it failed, nothing to count.
	default:
		s.allocated = new(big.Int).Add(s.allocated, tranche.Amount)
	}
	return nil
}

// RecordFill marks the tranche at the given index completed and moves its
// amount into the filled fraction.
func (s *Session) RecordFill(index int, amount *big.Int) error {
	tranche, ok := s.Tranche(index)
	if !ok {
		return fmt.Errorf("unknown tranche index = %v", index)
	}
	if amount.Cmp(tranche.Amount) != 0 {
		return fmt.Errorf("fill amount %v does not match tranche amount %v", amount, tranche.Amount)
	}
	newCompleted := new(big.Int).Add(s.completed, amount)
	if newCompleted.Cmp(s.Order.DestAsset.Amount) > 0 {
		return fmt.Errorf("%w: completed %v + %v > %v",
			ErrOverAllocation, s.completed, amount, s.Order.DestAsset.Amount)
	}
	s.completed = newCompleted
	return nil
}

// ReleaseTranche returns a failed tranche's amount to the unallocated
// remainder so a later counterparty can claim it under a fresh leaf index.
func (s *Session) ReleaseTranche(index int) error {
	tranche, ok := s.Tranche(index)
	if !ok {
		return fmt.Errorf("unknown tranche index = %v", index)
	}
	if tranche.phase != Failed {
		return fmt.Errorf("tranche %v is not failed", index)
	}
	s.allocated = new(big.Int).Sub(s.allocated, tranche.Amount)
	return nil
}

// Commitment returns the hash commitment of a leaf, convenience for callers
// outside the package.
func (s *Session) Commitment(index int) ([sha256.Size]byte, error) {
	return s.Secrets.Hash(index)
}

// DestChain and SourceChain identify the two legs of every tranche.
func (s *Session) SourceChain() model.Chain {
	return s.Order.SourceAsset.Chain
}

func (s *Session) DestChain() model.Chain {
	return s.Order.DestAsset.Chain
}

func scaleAmount(part, total, other *big.Int) *big.Int {
	scaled := new(big.Int).Mul(part, other)
	return scaled.Div(scaled, total)
}

func orZero(amount *big.Int) *big.Int {
	if amount == nil {
		return big.NewInt(0)
	}
	return amount
}
