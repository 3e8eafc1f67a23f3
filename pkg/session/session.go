// Package session holds the per-swap aggregate the coordinator mutates. One
// session owns one order, its secret set and every escrow leg created for it.
// All mutation goes through the session's single lock, concurrent events
// ("destination funded", "source timelock elapsed") are serialized here
// rather than resolved by racing handlers.
package session

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/catalogfi/gardend/pkg/adapter"
	"github.com/catalogfi/gardend/pkg/escrow"
	"github.com/catalogfi/gardend/pkg/model"
	"github.com/catalogfi/gardend/pkg/secret"
)

type Phase uint8

const (
	Matched Phase = iota
	AwaitingDualFunding
	SecretReleased
	Completed
	Refunding
	Failed
)

func (p Phase) String() string {
	switch p {
	case Matched:
		return "matched"
	case AwaitingDualFunding:
		return "awaiting_dual_funding"
	case SecretReleased:
		return "secret_released"
	case Completed:
		return "completed"
	case Refunding:
		return "refunding"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

func (p Phase) Terminal() bool {
	return p == Completed || p == Failed
}

var (
	ErrInvalidPhaseTransition = errors.New("invalid phase transition")
	ErrCancelAfterFunding     = errors.New("cannot cancel once a leg is funded")
	ErrTimelockOrdering       = errors.New("timelock ordering violation")
)

// Tranche is one partial-fill unit, bound to one merkle leaf index and one
// pair of escrow legs.
type Tranche struct {
	Index        int
	Amount       *big.Int
	Counterparty string
	Source       *escrow.Record
	Dest         *escrow.Record
	SourceHandle adapter.Handle
	DestHandle   adapter.Handle

	phase Phase
}

func (t *Tranche) Phase() Phase {
	return t.phase
}

// SetPhase applies a phase transition, rejecting anything outside the designed
// state machine. Callers hold the session lock, so transitions within one
// session are totally ordered.
func (t *Tranche) SetPhase(next Phase) error {
	allowed := false
	switch t.phase {
	case Matched:
		allowed = next == AwaitingDualFunding || next == Refunding || next == Failed
	case AwaitingDualFunding:
		allowed = next == SecretReleased || next == Refunding || next == Failed
	case SecretReleased:
		allowed = next == Completed || next == Refunding
	case Refunding:
		allowed = next == Failed
	}
	if !allowed {
		return fmt.Errorf("%w: %v -> %v", ErrInvalidPhaseTransition, t.phase, next)
	}
	t.phase = next
	return nil
}

// DualFunded reports whether both legs reached Funded.
func (t *Tranche) DualFunded() bool {
	return t.Source.State() == escrow.Funded && t.Dest.State() == escrow.Funded
}

// FundedLegs returns the legs currently holding funds on chain.
func (t *Tranche) FundedLegs() []*escrow.Record {
	legs := make([]*escrow.Record, 0, 2)
	for _, leg := range []*escrow.Record{t.Source, t.Dest} {
		if leg.State() == escrow.Funded {
			legs = append(legs, leg)
		}
	}
	return legs
}

// Session aggregates one order with its secrets and tranches. The zero value
// is not usable, construct with New.
type Session struct {
	mu sync.Mutex

	Order   model.SwapOrder
	Secrets *secret.Set

	tranches  []*Tranche
	allocated *big.Int // completed plus in-flight tranche amounts
	completed *big.Int
	nextIndex int
	cancelled bool
}

func New(order model.SwapOrder, secrets *secret.Set) (*Session, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if secrets == nil {
		return nil, fmt.Errorf("session needs a secret set")
	}
	return &Session{
		Order:     order,
		Secrets:   secrets,
		allocated: big.NewInt(0),
		completed: big.NewInt(0),
	}, nil
}

// Lock serializes all phase transitions, tranche assignment and reveals of
// this session. It is never held across an adapter await.
func (s *Session) Lock() {
	s.mu.Lock()
}

func (s *Session) Unlock() {
	s.mu.Unlock()
}

// Tranches returns the tranche list. Callers hold the session lock.
func (s *Session) Tranches() []*Tranche {
	return s.tranches
}

func (s *Session) Tranche(index int) (*Tranche, bool) {
	for _, t := range s.tranches {
		if t.Index == index {
			return t, true
		}
	}
	return nil, false
}

// FilledFraction is completed amount over the order's destination amount. It
// only ever grows.
func (s *Session) FilledFraction() float64 {
	total := new(big.Float).SetInt(s.Order.DestAsset.Amount)
	filled := new(big.Float).SetInt(s.completed)
	fraction, _ := new(big.Float).Quo(filled, total).Float64()
	return fraction
}

func (s *Session) CompletedAmount() *big.Int {
	return new(big.Int).Set(s.completed)
}

func (s *Session) AllocatedAmount() *big.Int {
	return new(big.Int).Set(s.allocated)
}

// Cancel marks the session externally cancelled. It is only permitted while
// no leg holds funds on chain, anything funded must go through the timelocked
// refunding path instead.
func (s *Session) Cancel() error {
	for _, t := range s.tranches {
		if len(t.FundedLegs()) > 0 {
			return ErrCancelAfterFunding
		}
		if !t.phase.Terminal() && t.phase != Matched && t.phase != AwaitingDualFunding {
			return fmt.Errorf("%w: tranche %v in phase %v", ErrCancelAfterFunding, t.Index, t.phase)
		}
	}
	s.cancelled = true
	return nil
}

func (s *Session) Cancelled() bool {
	return s.cancelled
}

// Terminal reports whether every tranche is terminal and no further fill can
// be accepted, either because the order is fully filled or cancelled.
func (s *Session) Terminal() bool {
	for _, t := range s.tranches {
		if !t.phase.Terminal() {
			return false
		}
	}
	if s.cancelled {
		return true
	}
	return len(s.tranches) > 0 && s.completed.Cmp(s.Order.DestAsset.Amount) == 0
}
