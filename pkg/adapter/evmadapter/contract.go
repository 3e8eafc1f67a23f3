package evmadapter

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// swapABI is the interface of the deployed atomic swap contract. Orders are
// keyed by sha256(secretHash || initiator), the redeem transaction discloses
// the preimage through the Redeemed event.
const swapABI = `[
	{"type":"function","name":"initiate","stateMutability":"nonpayable","inputs":[{"name":"redeemer","type":"address"},{"name":"expiry","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"secretHash","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"redeem","stateMutability":"nonpayable","inputs":[{"name":"orderID","type":"bytes32"},{"name":"secret","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[{"name":"orderID","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"orders","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],"outputs":[{"name":"initiatedAt","type":"uint256"},{"name":"expiry","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"redeemed","type":"bool"},{"name":"refunded","type":"bool"}]},
	{"type":"event","name":"Redeemed","anonymous":false,"inputs":[{"name":"orderID","type":"bytes32","indexed":true},{"name":"secret","type":"bytes","indexed":false}]}
]`

type swapContract struct {
	addr    common.Address
	abi     abi.ABI
	bound   *bind.BoundContract
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	chainID *big.Int

	// Transactions are signed with one key, nonce handling inside
	// go-ethereum needs them serialized.
	mu sync.Mutex
}

// NewSwapContract binds the swap contract at the given address, transacting
// with the supplied key.
func NewSwapContract(client *ethclient.Client, addr common.Address, key *ecdsa.PrivateKey) (SwapContract, error) {
	parsed, err := abi.JSON(strings.NewReader(swapABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse swap abi, err : %v", err)
	}
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id, err : %v", err)
	}
	return &swapContract{
		addr:    addr,
		abi:     parsed,
		bound:   bind.NewBoundContract(addr, parsed, client, client, client),
		client:  client,
		key:     key,
		chainID: chainID,
	}, nil
}

func (c *swapContract) Initiate(ctx context.Context, redeemer common.Address, expiry, amount *big.Int, secretHash [sha256.Size]byte) (string, error) {
	return c.transact(ctx, "initiate", redeemer, expiry, amount, secretHash)
}

func (c *swapContract) Redeem(ctx context.Context, id [sha256.Size]byte, secret []byte) (string, error) {
	return c.transact(ctx, "redeem", id, secret)
}

func (c *swapContract) Refund(ctx context.Context, id [sha256.Size]byte) (string, error) {
	return c.transact(ctx, "refund", id)
}

func (c *swapContract) Details(ctx context.Context, id [sha256.Size]byte) (OrderDetails, error) {
	var out []interface{}
	if err := c.bound.Call(&bind.CallOpts{Context: ctx}, &out, "orders", id); err != nil {
		return OrderDetails{}, fmt.Errorf("failed to query order, err : %v", err)
	}
	details := OrderDetails{
		InitiatedAt: abi.ConvertType(out[0], new(big.Int)).(*big.Int),
		Expiry:      abi.ConvertType(out[1], new(big.Int)).(*big.Int),
		Amount:      abi.ConvertType(out[2], new(big.Int)).(*big.Int),
		Redeemed:    *abi.ConvertType(out[3], new(bool)).(*bool),
		Refunded:    *abi.ConvertType(out[4], new(bool)).(*bool),
	}
	if !details.Redeemed {
		return details, nil
	}

	secret, err := c.redeemedSecret(ctx, id)
	if err != nil {
		return OrderDetails{}, err
	}
	details.Secret = secret
	return details, nil
}

// redeemedSecret recovers the disclosed preimage from the Redeemed event of
// the order.
func (c *swapContract) redeemedSecret(ctx context.Context, id [sha256.Size]byte) ([]byte, error) {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{c.addr},
		Topics: [][]common.Hash{
			{c.abi.Events["Redeemed"].ID},
			{common.BytesToHash(id[:])},
		},
	}
	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to filter redeem logs, err : %v", err)
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("order %x is redeemed but no redeem event found", id)
	}
	unpacked, err := c.abi.Unpack("Redeemed", logs[0].Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack redeem event, err : %v", err)
	}
	secret, ok := unpacked[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected redeem event payload")
	}
	return secret, nil
}

func (c *swapContract) transact(ctx context.Context, method string, args ...interface{}) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return "", fmt.Errorf("failed to build transactor, err : %v", err)
	}
	opts.Context = ctx
	tx, err := c.bound.Transact(opts, method, args...)
	if err != nil {
		return "", fmt.Errorf("failed to send %v tx, err : %v", method, err)
	}
	return tx.Hash().Hex(), nil
}
