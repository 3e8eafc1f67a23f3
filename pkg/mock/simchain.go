package mock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"

	"github.com/catalogfi/gardend/pkg/adapter"
	"github.com/catalogfi/gardend/pkg/model"
)

// SimChain is an in-process chain implementing the adapter capability. Tests
// control when escrows confirm funding and how the chain clock advances, so
// races between funding, redemption and timelock expiry can be replayed
// deterministically.
type SimChain struct {
	mu      sync.Mutex
	chain   model.Chain
	digest  string
	height  uint64
	escrows map[adapter.Handle]*simEscrow
	creates map[adapter.Handle]int

	// AutoConfirm makes every created escrow report funded immediately.
	AutoConfirm bool
}

type simEscrow struct {
	params adapter.FundingParams
	status adapter.Status
	secret []byte
}

func NewSimChain(chain model.Chain) *SimChain {
	return &SimChain{
		chain:   chain,
		digest:  "sha256",
		escrows: map[adapter.Handle]*simEscrow{},
		creates: map[adapter.Handle]int{},
	}
}

// WithLockDigest overrides the advertised lock digest, used to test the
// session setup invariant check.
func (s *SimChain) WithLockDigest(digest string) *SimChain {
	s.digest = digest
	return s
}

func (s *SimChain) Chain() model.Chain {
	return s.chain
}

func (s *SimChain) LockDigest() string {
	return s.digest
}

func (s *SimChain) CreateAndFund(_ context.Context, params adapter.FundingParams) (adapter.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := sha256.Sum256(append(params.HashCommitment[:], []byte(params.Funder)...))
	handle := adapter.Handle(hex.EncodeToString(id[:]))
	s.creates[handle]++
	if _, ok := s.escrows[handle]; !ok {
		status := adapter.StatusPending
		if s.AutoConfirm {
			status = adapter.StatusFunded
		}
		s.escrows[handle] = &simEscrow{params: params, status: status}
	}
	return handle, nil
}

func (s *SimChain) QueryState(_ context.Context, handle adapter.Handle) (adapter.EscrowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escrows[handle]
	if !ok {
		return adapter.EscrowState{}, adapter.NewPermanentError(fmt.Errorf("unknown escrow = %v", handle))
	}
	state := adapter.EscrowState{Status: esc.status}
	if esc.status == adapter.StatusFunded || esc.status == adapter.StatusRedeemed {
		state.Locked = new(big.Int).Add(esc.params.Principal, esc.params.SafetyDeposit)
	}
	if esc.status == adapter.StatusRedeemed {
		state.Secret = esc.secret
	}
	return state, nil
}

func (s *SimChain) Redeem(_ context.Context, handle adapter.Handle, secret []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escrows[handle]
	if !ok {
		return "", adapter.NewPermanentError(fmt.Errorf("unknown escrow = %v", handle))
	}
	switch esc.status {
	case adapter.StatusRedeemed:
		return "sim-redeem", nil
	case adapter.StatusCancelled:
		return "", adapter.NewPermanentError(fmt.Errorf("escrow already refunded"))
	case adapter.StatusPending:
		return "", adapter.NewTransientError(fmt.Errorf("escrow not funded"))
	}
	if sha256.Sum256(secret) != esc.params.HashCommitment {
		return "", adapter.NewPermanentError(fmt.Errorf("secret does not match commitment"))
	}
	esc.status = adapter.StatusRedeemed
	esc.secret = append([]byte{}, secret...)
	return "sim-redeem", nil
}

func (s *SimChain) Cancel(_ context.Context, handle adapter.Handle) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	esc, ok := s.escrows[handle]
	if !ok {
		return "", adapter.NewPermanentError(fmt.Errorf("unknown escrow = %v", handle))
	}
	switch esc.status {
	case adapter.StatusCancelled:
		return "sim-refund", nil
	case adapter.StatusRedeemed:
		return "", adapter.NewPermanentError(fmt.Errorf("escrow already redeemed"))
	}
	if s.height <= esc.params.Timelock {
		return "", adapter.NewTransientError(fmt.Errorf("timelock not elapsed on chain"))
	}
	esc.status = adapter.StatusCancelled
	return "sim-refund", nil
}

func (s *SimChain) CurrentChainTime(context.Context) (adapter.ChainTime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.height, nil
}

// Advance moves the chain clock forward.
func (s *SimChain) Advance(blocks uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height += blocks
}

// ConfirmFunding flips a pending escrow to funded, simulating the funding
// transaction confirming on chain.
func (s *SimChain) ConfirmFunding(handle adapter.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.escrows[handle]
	if !ok {
		return fmt.Errorf("unknown escrow = %v", handle)
	}
	if esc.status == adapter.StatusPending {
		esc.status = adapter.StatusFunded
	}
	return nil
}

// CreateCalls returns how many times CreateAndFund resolved to the handle.
func (s *SimChain) CreateCalls(handle adapter.Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates[handle]
}

// EscrowCount returns the number of distinct escrows ever created.
func (s *SimChain) EscrowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.escrows)
}

// Status returns the current status of an escrow.
func (s *SimChain) Status(handle adapter.Handle) adapter.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	esc, ok := s.escrows[handle]
	if !ok {
		return adapter.StatusUnknown
	}
	return esc.status
}
