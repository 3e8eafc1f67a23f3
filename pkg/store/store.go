// Package store persists sessions and escrow legs. A session and its escrow
// rows are written before any chain call that cannot be idempotently retried,
// so a restarted coordinator resumes from the last known phase instead of
// double-funding.
package store

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/catalogfi/gardend/pkg/escrow"
	"github.com/catalogfi/gardend/pkg/session"
	"gorm.io/gorm"
)

// SessionRecord is the durable row of one swap session.
type SessionRecord struct {
	gorm.Model

	OrderID      uint64 `gorm:"index:,unique"`
	Maker        string
	SourceChain  string
	SourceToken  string
	SourceAmount string
	DestChain    string
	DestToken    string
	DestAmount   string
	Parts        uint32
	MerkleRoot   string
	Expiry       time.Time

	// Secrets holds the hex-encoded secret material while the session is
	// live, so a restarted coordinator can still reveal and redeem. It is
	// cleared once the session is terminal and never serialized outwards.
	Secrets string `json:"-"`

	CompletedAmount string
	Cancelled       bool
	Terminal        bool
}

// EscrowRecord is the durable row of one leg of one tranche.
type EscrowRecord struct {
	gorm.Model

	OrderID        uint64 `gorm:"index:,unique,composite:order_leg"`
	TrancheIndex   int    `gorm:"index:,unique,composite:order_leg"`
	Role           string `gorm:"index:,unique,composite:order_leg"`
	Chain          string
	Counterparty   string
	HashCommitment string
	Timelock       uint64
	Principal      string
	SafetyDeposit  string

	State  uint
	Phase  uint8
	Handle string
	TxHash string
	Error  string
}

type Store interface {
	PutSession(sess *session.Session) error

	PutTranche(orderID uint64, tranche *session.Tranche) error

	UpdateTranchePhase(orderID uint64, index int, phase session.Phase, cause error) error

	UpdateEscrowState(orderID uint64, index int, role escrow.ChainRole, state escrow.State) error

	UpdateEscrowHandle(orderID uint64, index int, role escrow.ChainRole, handle, txHash string) error

	UpdateFilled(orderID uint64, completedAmount string, terminal bool) error

	SetCancelled(orderID uint64) error

	ClearSecrets(orderID uint64) error

	Sessions() ([]SessionRecord, error)

	SessionByOrderID(orderID uint64) (SessionRecord, error)

	EscrowsByOrder(orderID uint64) ([]EscrowRecord, error)
}

type store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) (Store, error) {
	if err := db.AutoMigrate(&SessionRecord{}, &EscrowRecord{}); err != nil {
		return nil, err
	}
	sqlDb, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDb.SetMaxIdleConns(5)
	sqlDb.SetMaxOpenConns(5)
	sqlDb.SetConnMaxIdleTime(10 * time.Minute)
	return &store{db: db}, nil
}

func (s *store) PutSession(sess *session.Session) error {
	root := sess.Secrets.MerkleRoot()
	secrets, err := sess.Secrets.Secrets()
	if err != nil {
		return fmt.Errorf("failed to read secrets for persistence, err : %v", err)
	}
	encoded := make([]string, len(secrets))
	for i, secret := range secrets {
		encoded[i] = hex.EncodeToString(secret)
	}
	record := SessionRecord{
		OrderID:         sess.Order.ID,
		Maker:           sess.Order.Maker,
		SourceChain:     string(sess.Order.SourceAsset.Chain),
		SourceToken:     sess.Order.SourceAsset.Token,
		SourceAmount:    sess.Order.SourceAsset.Amount.String(),
		DestChain:       string(sess.Order.DestAsset.Chain),
		DestToken:       sess.Order.DestAsset.Token,
		DestAmount:      sess.Order.DestAsset.Amount.String(),
		Parts:           sess.Order.Fill.Parts,
		MerkleRoot:      hex.EncodeToString(root[:]),
		Expiry:          sess.Order.Expiry,
		Secrets:         strings.Join(encoded, ","),
		CompletedAmount: "0",
	}
	return s.db.Create(&record).Error
}

func (s *store) PutTranche(orderID uint64, tranche *session.Tranche) error {
	rows := make([]EscrowRecord, 0, 2)
	for _, leg := range []*escrow.Record{tranche.Source, tranche.Dest} {
		rows = append(rows, EscrowRecord{
			OrderID:        orderID,
			TrancheIndex:   tranche.Index,
			Role:           string(leg.Role),
			Chain:          string(leg.Chain),
			Counterparty:   tranche.Counterparty,
			HashCommitment: hex.EncodeToString(leg.HashCommitment[:]),
			Timelock:       leg.Timelock,
			Principal:      leg.Principal.String(),
			SafetyDeposit:  leg.SafetyDeposit.String(),
			State:          uint(leg.State()),
			Phase:          uint8(tranche.Phase()),
		})
	}
	return s.db.Create(&rows).Error
}

func (s *store) UpdateTranchePhase(orderID uint64, index int, phase session.Phase, cause error) error {
	tx := s.db.Table("escrow_records").
		Where("order_id = ? AND tranche_index = ?", orderID, index).
		Update("phase", uint8(phase))
	if cause != nil {
		tx = tx.Update("error", cause.Error())
	}
	return tx.Error
}

func (s *store) UpdateEscrowState(orderID uint64, index int, role escrow.ChainRole, state escrow.State) error {
	return s.db.Table("escrow_records").
		Where("order_id = ? AND tranche_index = ? AND role = ?", orderID, index, string(role)).
		Update("state", uint(state)).Error
}

func (s *store) UpdateEscrowHandle(orderID uint64, index int, role escrow.ChainRole, handle, txHash string) error {
	return s.db.Table("escrow_records").
		Where("order_id = ? AND tranche_index = ? AND role = ?", orderID, index, string(role)).
		Update("handle", handle).
		Update("tx_hash", txHash).Error
}

func (s *store) UpdateFilled(orderID uint64, completedAmount string, terminal bool) error {
	return s.db.Table("session_records").
		Where("order_id = ?", orderID).
		Update("completed_amount", completedAmount).
		Update("terminal", terminal).Error
}

func (s *store) SetCancelled(orderID uint64) error {
	return s.db.Table("session_records").
		Where("order_id = ?", orderID).
		Update("cancelled", true).Error
}

func (s *store) ClearSecrets(orderID uint64) error {
	return s.db.Table("session_records").
		Where("order_id = ?", orderID).
		Update("secrets", "").Error
}

func (s *store) Sessions() ([]SessionRecord, error) {
	var records []SessionRecord
	err := s.db.Find(&records).Error
	return records, err
}

func (s *store) SessionByOrderID(orderID uint64) (SessionRecord, error) {
	var record SessionRecord
	err := s.db.Where("order_id = ?", orderID).First(&record).Error
	return record, err
}

func (s *store) EscrowsByOrder(orderID uint64) ([]EscrowRecord, error) {
	var records []EscrowRecord
	err := s.db.Where("order_id = ?", orderID).Order("tranche_index asc").Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load escrows, err : %v", err)
	}
	return records, nil
}
