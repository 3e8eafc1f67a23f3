// Package evmadapter implements the chain adapter capability for account
// chains. The escrow equivalent is an order inside a deployed atomic swap
// contract, identified by sha256(secretHash || initiator). Contract binding,
// signing and gas management sit behind the SwapContract interface, the
// adapter itself only maps contract state onto the capability's vocabulary.
package evmadapter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"github.com/catalogfi/gardend/pkg/adapter"
	"github.com/catalogfi/gardend/pkg/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// OrderDetails mirrors the on-chain order struct of the swap contract.
type OrderDetails struct {
	InitiatedAt *big.Int
	Expiry      *big.Int
	Amount      *big.Int
	Redeemed    bool
	Refunded    bool
	Secret      []byte
}

// SwapContract wraps the bound atomic swap contract of one chain.
type SwapContract interface {
	Initiate(ctx context.Context, redeemer common.Address, expiry, amount *big.Int, secretHash [sha256.Size]byte) (string, error)

	Redeem(ctx context.Context, id [sha256.Size]byte, secret []byte) (string, error)

	Refund(ctx context.Context, id [sha256.Size]byte) (string, error)

	Details(ctx context.Context, id [sha256.Size]byte) (OrderDetails, error)
}

type evmAdapter struct {
	chain    model.Chain
	client   *ethclient.Client
	contract SwapContract
	logger   *zap.Logger
}

func New(chain model.Chain, client *ethclient.Client, contract SwapContract, logger *zap.Logger) (adapter.ChainAdapter, error) {
	if !chain.IsEVM() {
		return nil, fmt.Errorf("not an evm chain = %v", chain)
	}
	return &evmAdapter{
		chain:    chain,
		client:   client,
		contract: contract,
		logger:   logger,
	}, nil
}

func (e *evmAdapter) Chain() model.Chain {
	return e.chain
}

func (e *evmAdapter) LockDigest() string {
	return "sha256"
}

// OrderID derives the contract's order id for a hash commitment and its
// initiator. It is deterministic, a retried create resolves to the same
// escrow.
func OrderID(secretHash [sha256.Size]byte, initiator common.Address) [sha256.Size]byte {
	return sha256.Sum256(append(secretHash[:], common.BytesToHash(initiator.Bytes()).Bytes()...))
}

func (e *evmAdapter) CreateAndFund(ctx context.Context, params adapter.FundingParams) (adapter.Handle, error) {
	if !common.IsHexAddress(params.Funder) {
		return "", adapter.NewPermanentError(fmt.Errorf("invalid funder address = %v", params.Funder))
	}
	if !common.IsHexAddress(params.Redeemer) {
		return "", adapter.NewPermanentError(fmt.Errorf("invalid redeemer address = %v", params.Redeemer))
	}
	funder := common.HexToAddress(params.Funder)
	redeemer := common.HexToAddress(params.Redeemer)
	id := OrderID(params.HashCommitment, funder)
	handle := adapter.Handle(hex.EncodeToString(id[:]))

	// The contract rejects double initiation of the same order id, so an
	// already initiated order is simply adopted.
	details, err := e.contract.Details(ctx, id)
	if err != nil {
		return "", adapter.NewTransientError(err)
	}
	if details.InitiatedAt != nil && details.InitiatedAt.Sign() > 0 {
		return handle, nil
	}

	amount := new(big.Int).Add(params.Principal, params.SafetyDeposit)
	txHash, err := e.contract.Initiate(ctx, redeemer, new(big.Int).SetUint64(params.Timelock), amount, params.HashCommitment)
	if err != nil {
		return "", adapter.NewTransientError(fmt.Errorf("failed to initiate swap, err : %v", err))
	}
	e.logger.Info("initiated swap",
		zap.String("chain", string(e.chain)),
		zap.String("order-id", string(handle)),
		zap.String("tx", txHash))
	return handle, nil
}

func (e *evmAdapter) QueryState(ctx context.Context, handle adapter.Handle) (adapter.EscrowState, error) {
	id, err := decodeHandle(handle)
	if err != nil {
		return adapter.EscrowState{}, err
	}
	details, err := e.contract.Details(ctx, id)
	if err != nil {
		return adapter.EscrowState{}, adapter.NewTransientError(err)
	}

	switch {
	case details.Redeemed:
		return adapter.EscrowState{Status: adapter.StatusRedeemed, Secret: details.Secret, Locked: details.Amount}, nil
	case details.Refunded:
		return adapter.EscrowState{Status: adapter.StatusCancelled}, nil
	case details.InitiatedAt != nil && details.InitiatedAt.Sign() > 0:
		return adapter.EscrowState{Status: adapter.StatusFunded, Locked: details.Amount}, nil
	default:
		return adapter.EscrowState{Status: adapter.StatusPending}, nil
	}
}

func (e *evmAdapter) Redeem(ctx context.Context, handle adapter.Handle, secret []byte) (string, error) {
	id, err := decodeHandle(handle)
	if err != nil {
		return "", err
	}
	txHash, err := e.contract.Redeem(ctx, id, secret)
	if err != nil {
		return "", adapter.NewTransientError(fmt.Errorf("failed to redeem swap, err : %v", err))
	}
	return txHash, nil
}

func (e *evmAdapter) Cancel(ctx context.Context, handle adapter.Handle) (string, error) {
	id, err := decodeHandle(handle)
	if err != nil {
		return "", err
	}
	txHash, err := e.contract.Refund(ctx, id)
	if err != nil {
		return "", adapter.NewTransientError(fmt.Errorf("failed to refund swap, err : %v", err))
	}
	return txHash, nil
}

func (e *evmAdapter) CurrentChainTime(ctx context.Context) (adapter.ChainTime, error) {
	blockNumber, err := e.client.BlockNumber(ctx)
	if err != nil {
		return 0, adapter.NewTransientError(err)
	}
	return blockNumber, nil
}

func decodeHandle(handle adapter.Handle) ([sha256.Size]byte, error) {
	var id [sha256.Size]byte
	raw, err := hex.DecodeString(string(handle))
	if err != nil || len(raw) != sha256.Size {
		return id, adapter.NewPermanentError(fmt.Errorf("invalid escrow handle = %v", handle))
	}
	copy(id[:], raw)
	return id, nil
}
