package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/catalogfi/gardend/pkg/coordinator"
	"github.com/catalogfi/gardend/pkg/model"
	"github.com/catalogfi/gardend/pkg/session"
	"github.com/catalogfi/gardend/pkg/store"
	"github.com/catalogfi/gardend/pkg/util"
)

type method struct {
	name  string
	query func(params json.RawMessage) (json.RawMessage, error)
}

func (m method) Name() string {
	return m.name
}

func (m method) Query(params json.RawMessage) (json.RawMessage, error) {
	return m.query(params)
}

// SubmitOrderParams carries amounts as decimal strings, order amounts easily
// exceed what a json number can hold losslessly.
type SubmitOrderParams struct {
	ID           uint64 `json:"id"`
	Maker        string `json:"maker"`
	SourceChain  string `json:"sourceChain"`
	SourceToken  string `json:"sourceToken"`
	SourceAmount string `json:"sourceAmount"`
	DestChain    string `json:"destChain"`
	DestToken    string `json:"destToken"`
	DestAmount   string `json:"destAmount"`
	Parts        uint32 `json:"parts"`
	Expiry       string `json:"expiry"`
}

type SubmitOrderResult struct {
	OrderID    uint64 `json:"orderId"`
	MerkleRoot string `json:"merkleRoot"`
	Parts      uint32 `json:"parts"`
}

func SubmitOrder(co coordinator.Coordinator) Method {
	return method{
		name: "submitOrder",
		query: func(params json.RawMessage) (json.RawMessage, error) {
			var req SubmitOrderParams
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("failed to decode params, err : %v", err)
			}
			sourceAmount, ok := new(big.Int).SetString(req.SourceAmount, 10)
			if !ok {
				return nil, fmt.Errorf("invalid source amount = %v", req.SourceAmount)
			}
			destAmount, ok := new(big.Int).SetString(req.DestAmount, 10)
			if !ok {
				return nil, fmt.Errorf("invalid dest amount = %v", req.DestAmount)
			}
			expiry, err := time.Parse(time.RFC3339, req.Expiry)
			if err != nil {
				return nil, fmt.Errorf("invalid expiry, err : %v", err)
			}
			if err := util.ValidateAddress(model.Chain(req.SourceChain), req.Maker); err != nil {
				return nil, err
			}

			order := model.SwapOrder{
				ID:    req.ID,
				Maker: req.Maker,
				SourceAsset: model.Asset{
					Chain:  model.Chain(req.SourceChain),
					Token:  req.SourceToken,
					Amount: sourceAmount,
				},
				DestAsset: model.Asset{
					Chain:  model.Chain(req.DestChain),
					Token:  req.DestToken,
					Amount: destAmount,
				},
				CreatedAt: time.Now(),
				Expiry:    expiry,
				Fill:      model.FillPolicy{Parts: req.Parts},
			}
			sess, err := co.Submit(order)
			if err != nil {
				return nil, err
			}
			root := sess.Secrets.MerkleRoot()
			return json.Marshal(SubmitOrderResult{
				OrderID:    order.ID,
				MerkleRoot: hex.EncodeToString(root[:]),
				Parts:      order.Fill.Parts,
			})
		},
	}
}

type FillOrderParams struct {
	OrderID        uint64 `json:"orderId"`
	Amount         string `json:"amount"`
	Counterparty   string `json:"counterparty"`
	SourceTimelock uint64 `json:"sourceTimelock"`
	DestTimelock   uint64 `json:"destTimelock"`
	SourceDeposit  string `json:"sourceDeposit,omitempty"`
	DestDeposit    string `json:"destDeposit,omitempty"`
}

type FillOrderResult struct {
	TrancheIndex int    `json:"trancheIndex"`
	Commitment   string `json:"commitment"`
}

func FillOrder(co coordinator.Coordinator) Method {
	return method{
		name: "fillOrder",
		query: func(params json.RawMessage) (json.RawMessage, error) {
			var req FillOrderParams
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("failed to decode params, err : %v", err)
			}
			amount, ok := new(big.Int).SetString(req.Amount, 10)
			if !ok {
				return nil, fmt.Errorf("invalid amount = %v", req.Amount)
			}

			fill := session.TrancheParams{
				Amount:         amount,
				Counterparty:   req.Counterparty,
				SourceTimelock: req.SourceTimelock,
				DestTimelock:   req.DestTimelock,
			}
			if req.SourceDeposit != "" {
				deposit, ok := new(big.Int).SetString(req.SourceDeposit, 10)
				if !ok {
					return nil, fmt.Errorf("invalid source deposit = %v", req.SourceDeposit)
				}
				fill.SourceDeposit = deposit
			}
			if req.DestDeposit != "" {
				deposit, ok := new(big.Int).SetString(req.DestDeposit, 10)
				if !ok {
					return nil, fmt.Errorf("invalid dest deposit = %v", req.DestDeposit)
				}
				fill.DestDeposit = deposit
			}

			index, err := co.Fill(req.OrderID, fill)
			if err != nil {
				return nil, err
			}
			sess, _ := co.Session(req.OrderID)
			commitment, err := sess.Commitment(index)
			if err != nil {
				return nil, err
			}
			return json.Marshal(FillOrderResult{
				TrancheIndex: index,
				Commitment:   hex.EncodeToString(commitment[:]),
			})
		},
	}
}

type CancelOrderParams struct {
	OrderID uint64 `json:"orderId"`
}

func CancelOrder(co coordinator.Coordinator) Method {
	return method{
		name: "cancelOrder",
		query: func(params json.RawMessage) (json.RawMessage, error) {
			var req CancelOrderParams
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("failed to decode params, err : %v", err)
			}
			if err := co.Cancel(req.OrderID); err != nil {
				return nil, err
			}
			return json.Marshal(map[string]bool{"cancelled": true})
		},
	}
}

func ListSessions(storage store.Store) Method {
	return method{
		name: "listSessions",
		query: func(json.RawMessage) (json.RawMessage, error) {
			records, err := storage.Sessions()
			if err != nil {
				return nil, err
			}
			return json.Marshal(records)
		},
	}
}

type SessionStatusParams struct {
	OrderID uint64 `json:"orderId"`
}

type SessionStatusResult struct {
	Session store.SessionRecord  `json:"session"`
	Escrows []store.EscrowRecord `json:"escrows"`
}

func SessionStatus(storage store.Store) Method {
	return method{
		name: "sessionStatus",
		query: func(params json.RawMessage) (json.RawMessage, error) {
			var req SessionStatusParams
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("failed to decode params, err : %v", err)
			}
			record, err := storage.SessionByOrderID(req.OrderID)
			if err != nil {
				return nil, err
			}
			escrows, err := storage.EscrowsByOrder(req.OrderID)
			if err != nil {
				return nil, err
			}
			return json.Marshal(SessionStatusResult{Session: record, Escrows: escrows})
		},
	}
}
