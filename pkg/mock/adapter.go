package mock

import (
	"context"

	"github.com/catalogfi/gardend/pkg/adapter"
	"github.com/catalogfi/gardend/pkg/model"
)

// ChainAdapter is a Func-field mock of the chain adapter capability. Methods
// without an override fall back to harmless zero behaviour.
type ChainAdapter struct {
	FuncChain            func() model.Chain
	FuncLockDigest       func() string
	FuncCreateAndFund    func(context.Context, adapter.FundingParams) (adapter.Handle, error)
	FuncQueryState       func(context.Context, adapter.Handle) (adapter.EscrowState, error)
	FuncRedeem           func(context.Context, adapter.Handle, []byte) (string, error)
	FuncCancel           func(context.Context, adapter.Handle) (string, error)
	FuncCurrentChainTime func(context.Context) (adapter.ChainTime, error)
}

func NewChainAdapter() *ChainAdapter {
	return &ChainAdapter{}
}

func (m *ChainAdapter) Chain() model.Chain {
	if m.FuncChain != nil {
		return m.FuncChain()
	}
	return model.EthereumLocal
}

func (m *ChainAdapter) LockDigest() string {
	if m.FuncLockDigest != nil {
		return m.FuncLockDigest()
	}
	return "sha256"
}

func (m *ChainAdapter) CreateAndFund(ctx context.Context, params adapter.FundingParams) (adapter.Handle, error) {
	if m.FuncCreateAndFund != nil {
		return m.FuncCreateAndFund(ctx, params)
	}
	return "", nil
}

func (m *ChainAdapter) QueryState(ctx context.Context, handle adapter.Handle) (adapter.EscrowState, error) {
	if m.FuncQueryState != nil {
		return m.FuncQueryState(ctx, handle)
	}
	return adapter.EscrowState{Status: adapter.StatusPending}, nil
}

func (m *ChainAdapter) Redeem(ctx context.Context, handle adapter.Handle, secret []byte) (string, error) {
	if m.FuncRedeem != nil {
		return m.FuncRedeem(ctx, handle, secret)
	}
	return "", nil
}

func (m *ChainAdapter) Cancel(ctx context.Context, handle adapter.Handle) (string, error) {
	if m.FuncCancel != nil {
		return m.FuncCancel(ctx, handle)
	}
	return "", nil
}

func (m *ChainAdapter) CurrentChainTime(ctx context.Context) (adapter.ChainTime, error) {
	if m.FuncCurrentChainTime != nil {
		return m.FuncCurrentChainTime(ctx)
	}
	return 0, nil
}
