package model

import (
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

type Chain string

const (
	Bitcoin         Chain = "bitcoin"
	BitcoinTestnet  Chain = "bitcoin_testnet"
	BitcoinRegtest  Chain = "bitcoin_regtest"
	Ethereum        Chain = "ethereum"
	EthereumSepolia Chain = "ethereum_sepolia"
	EthereumLocal   Chain = "ethereum_localnet"
)

func (c Chain) IsBTC() bool {
	switch c {
	case Bitcoin, BitcoinTestnet, BitcoinRegtest:
		return true
	default:
		return false
	}
}

func (c Chain) IsEVM() bool {
	switch c {
	case Ethereum, EthereumSepolia, EthereumLocal:
		return true
	default:
		return false
	}
}

// Params returns the bitcoin network params of the chain. It panics if the
// chain is not a bitcoin chain, callers should check IsBTC first.
func (c Chain) Params() *chaincfg.Params {
	switch c {
	case Bitcoin:
		return &chaincfg.MainNetParams
	case BitcoinTestnet:
		return &chaincfg.TestNet3Params
	case BitcoinRegtest:
		return &chaincfg.RegressionNetParams
	default:
		panic(fmt.Sprintf("not a bitcoin chain = %v", c))
	}
}

type Asset struct {
	Chain  Chain
	Token  string
	Amount *big.Int
}

func (a Asset) Validate() error {
	if !a.Chain.IsBTC() && !a.Chain.IsEVM() {
		return fmt.Errorf("unknown chain = %v", a.Chain)
	}
	if a.Amount == nil || a.Amount.Sign() <= 0 {
		return fmt.Errorf("asset amount must be positive")
	}
	return nil
}

// FillPolicy describes how an order may be filled. Parts == 1 is a single
// all-or-nothing fill, Parts > 1 allows the order to be split into that many
// tranches backed by a tree of secrets.
type FillPolicy struct {
	Parts uint32
}

func SingleFill() FillPolicy {
	return FillPolicy{Parts: 1}
}

func PartialFill(parts uint32) FillPolicy {
	return FillPolicy{Parts: parts}
}

func (p FillPolicy) Single() bool {
	return p.Parts == 1
}

// SwapOrder is a maker intent to exchange SourceAsset for DestAsset. An order
// is immutable once its secret set has been generated, since both parties
// commit to the hashes it produced.
type SwapOrder struct {
	ID          uint64
	Maker       string
	SourceAsset Asset
	DestAsset   Asset
	CreatedAt   time.Time
	Expiry      time.Time
	Fill        FillPolicy
}

func (order SwapOrder) Validate() error {
	if err := order.SourceAsset.Validate(); err != nil {
		return fmt.Errorf("invalid source asset, err : %v", err)
	}
	if err := order.DestAsset.Validate(); err != nil {
		return fmt.Errorf("invalid dest asset, err : %v", err)
	}
	if order.Fill.Parts < 1 {
		return fmt.Errorf("fill policy must have at least one part")
	}
	if !order.Expiry.After(order.CreatedAt) {
		return fmt.Errorf("order expiry must be after creation")
	}
	return nil
}
