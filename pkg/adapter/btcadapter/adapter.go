// Package btcadapter implements the chain adapter capability for utxo chains.
// The escrow equivalent is a p2wsh output locked by the htlc script, chain
// time is the indexer's tip height, and redemption is detected by extracting
// the secret from the spending witness. Transaction signing and broadcast sit
// behind the Wallet interface.
package btcadapter

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/catalogfi/gardend/pkg/adapter"
	"github.com/catalogfi/gardend/pkg/model"
	"go.uber.org/zap"
)

// IndexerClient is the subset of an electrs-style indexer the adapter needs.
type IndexerClient interface {
	GetTipBlockHeight(ctx context.Context) (uint64, error)

	// GetAddressBalance returns the confirmed sats held by the address.
	GetAddressBalance(ctx context.Context, addr btcutil.Address) (int64, error)

	// GetSpendingWitness returns the witness and txid of the transaction
	// spending the address's output, and whether such a spend exists.
	GetSpendingWitness(ctx context.Context, addr btcutil.Address) ([][]byte, string, bool, error)
}

// Wallet signs and broadcasts the three swap transactions. Fee selection and
// utxo management are its concern, not the adapter's.
type Wallet interface {
	Address() btcutil.Address

	Fund(ctx context.Context, htlc HTLC) (string, error)

	Redeem(ctx context.Context, htlc HTLC, secret []byte) (string, error)

	Refund(ctx context.Context, htlc HTLC) (string, error)
}

type btcAdapter struct {
	chain   model.Chain
	indexer IndexerClient
	wallet  Wallet
	logger  *zap.Logger

	mu      sync.Mutex
	escrows map[adapter.Handle]HTLC
}

func New(chain model.Chain, indexer IndexerClient, wallet Wallet, logger *zap.Logger) (adapter.ChainAdapter, error) {
	if !chain.IsBTC() {
		return nil, fmt.Errorf("not a bitcoin chain = %v", chain)
	}
	return &btcAdapter{
		chain:   chain,
		indexer: indexer,
		wallet:  wallet,
		logger:  logger,
		escrows: map[adapter.Handle]HTLC{},
	}, nil
}

func (b *btcAdapter) Chain() model.Chain {
	return b.chain
}

func (b *btcAdapter) LockDigest() string {
	return "sha256"
}

func (b *btcAdapter) CreateAndFund(ctx context.Context, params adapter.FundingParams) (adapter.Handle, error) {
	funder, err := btcutil.DecodeAddress(params.Funder, b.chain.Params())
	if err != nil {
		return "", adapter.NewPermanentError(fmt.Errorf("failed to decode funder address, err : %v", err))
	}
	redeemer, err := btcutil.DecodeAddress(params.Redeemer, b.chain.Params())
	if err != nil {
		return "", adapter.NewPermanentError(fmt.Errorf("failed to decode redeemer address, err : %v", err))
	}
	if !params.Principal.IsInt64() || !params.SafetyDeposit.IsInt64() {
		return "", adapter.NewPermanentError(fmt.Errorf("amount exceeds sats range"))
	}
	amount := params.Principal.Int64() + params.SafetyDeposit.Int64()

	htlc, err := NewHTLC(b.chain.Params(), funder, redeemer, params.HashCommitment, params.Timelock, amount)
	if err != nil {
		return "", adapter.NewPermanentError(err)
	}

	// The p2wsh address is a pure function of the contract parameters, so a
	// retried create resolves to the same handle and is never funded twice.
	handle := adapter.Handle(htlc.Address.EncodeAddress())
	b.mu.Lock()
	if _, ok := b.escrows[handle]; ok {
		b.mu.Unlock()
		return handle, nil
	}
	b.escrows[handle] = htlc
	b.mu.Unlock()

	// After a restart the in-memory scripts are gone but the escrow may
	// already exist on chain. Anything with on-chain presence is adopted
	// instead of funded a second time.
	onChain, err := b.onChain(ctx, htlc)
	if err != nil {
		b.forget(handle)
		return "", adapter.NewTransientError(err)
	}
	if onChain {
		b.logger.Info("adopted htlc",
			zap.String("chain", string(b.chain)),
			zap.String("address", htlc.Address.EncodeAddress()))
		return handle, nil
	}

	txid, err := b.wallet.Fund(ctx, htlc)
	if err != nil {
		b.forget(handle)
		return "", adapter.NewTransientError(fmt.Errorf("failed to fund htlc, err : %v", err))
	}
	b.logger.Info("funded htlc",
		zap.String("chain", string(b.chain)),
		zap.String("address", htlc.Address.EncodeAddress()),
		zap.String("tx", txid))
	return handle, nil
}

func (b *btcAdapter) QueryState(ctx context.Context, handle adapter.Handle) (adapter.EscrowState, error) {
	htlc, err := b.htlc(handle)
	if err != nil {
		return adapter.EscrowState{}, err
	}

	// A spend of the escrow output is terminal either way. The redeem path
	// has to disclose the preimage in its witness, a spend without it is
	// the refund path.
	witness, txid, spent, err := b.indexer.GetSpendingWitness(ctx, htlc.Address)
	if err != nil {
		return adapter.EscrowState{}, adapter.NewTransientError(err)
	}
	if spent {
		if secret, ok := ExtractSecret(witness, htlc.SecretHash); ok {
			return adapter.EscrowState{Status: adapter.StatusRedeemed, Secret: secret, Proof: []byte(txid)}, nil
		}
		return adapter.EscrowState{Status: adapter.StatusCancelled, Proof: []byte(txid)}, nil
	}

	balance, err := b.indexer.GetAddressBalance(ctx, htlc.Address)
	if err != nil {
		return adapter.EscrowState{}, adapter.NewTransientError(err)
	}
	if balance >= htlc.Amount {
		return adapter.EscrowState{Status: adapter.StatusFunded, Locked: big.NewInt(balance)}, nil
	}
	return adapter.EscrowState{Status: adapter.StatusPending, Locked: big.NewInt(balance)}, nil
}

func (b *btcAdapter) Redeem(ctx context.Context, handle adapter.Handle, secret []byte) (string, error) {
	htlc, err := b.htlc(handle)
	if err != nil {
		return "", err
	}
	txid, err := b.wallet.Redeem(ctx, htlc, secret)
	if err != nil {
		return "", adapter.NewTransientError(fmt.Errorf("failed to redeem htlc, err : %v", err))
	}
	return txid, nil
}

func (b *btcAdapter) Cancel(ctx context.Context, handle adapter.Handle) (string, error) {
	htlc, err := b.htlc(handle)
	if err != nil {
		return "", err
	}
	txid, err := b.wallet.Refund(ctx, htlc)
	if err != nil {
		return "", adapter.NewTransientError(fmt.Errorf("failed to refund htlc, err : %v", err))
	}
	return txid, nil
}

func (b *btcAdapter) CurrentChainTime(ctx context.Context) (adapter.ChainTime, error) {
	height, err := b.indexer.GetTipBlockHeight(ctx)
	if err != nil {
		return 0, adapter.NewTransientError(err)
	}
	return height, nil
}

func (b *btcAdapter) onChain(ctx context.Context, htlc HTLC) (bool, error) {
	_, _, spent, err := b.indexer.GetSpendingWitness(ctx, htlc.Address)
	if err != nil {
		return false, err
	}
	if spent {
		return true, nil
	}
	balance, err := b.indexer.GetAddressBalance(ctx, htlc.Address)
	if err != nil {
		return false, err
	}
	return balance > 0, nil
}

func (b *btcAdapter) forget(handle adapter.Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.escrows, handle)
}

func (b *btcAdapter) htlc(handle adapter.Handle) (HTLC, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	htlc, ok := b.escrows[handle]
	if !ok {
		return HTLC{}, adapter.NewPermanentError(fmt.Errorf("unknown escrow handle = %v", handle))
	}
	return htlc, nil
}
