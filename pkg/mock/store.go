package mock

import (
	"github.com/catalogfi/gardend/pkg/escrow"
	"github.com/catalogfi/gardend/pkg/session"
	"github.com/catalogfi/gardend/pkg/store"
)

// Store is a Func-field mock of the durable store. Methods without an
// override succeed silently, so coordinator tests only wire the calls they
// assert on.
type Store struct {
	FuncPutSession         func(*session.Session) error
	FuncPutTranche         func(uint64, *session.Tranche) error
	FuncUpdateTranchePhase func(uint64, int, session.Phase, error) error
	FuncUpdateEscrowState  func(uint64, int, escrow.ChainRole, escrow.State) error
	FuncUpdateEscrowHandle func(uint64, int, escrow.ChainRole, string, string) error
	FuncUpdateFilled       func(uint64, string, bool) error
	FuncSetCancelled       func(uint64) error
	FuncClearSecrets       func(uint64) error
	FuncSessions           func() ([]store.SessionRecord, error)
	FuncSessionByOrderID   func(uint64) (store.SessionRecord, error)
	FuncEscrowsByOrder     func(uint64) ([]store.EscrowRecord, error)
}

func NewStore() *Store {
	return &Store{}
}

func (m *Store) PutSession(sess *session.Session) error {
	if m.FuncPutSession != nil {
		return m.FuncPutSession(sess)
	}
	return nil
}

func (m *Store) PutTranche(orderID uint64, tranche *session.Tranche) error {
	if m.FuncPutTranche != nil {
		return m.FuncPutTranche(orderID, tranche)
	}
	return nil
}

func (m *Store) UpdateTranchePhase(orderID uint64, index int, phase session.Phase, cause error) error {
	if m.FuncUpdateTranchePhase != nil {
		return m.FuncUpdateTranchePhase(orderID, index, phase, cause)
	}
	return nil
}

func (m *Store) UpdateEscrowState(orderID uint64, index int, role escrow.ChainRole, state escrow.State) error {
	if m.FuncUpdateEscrowState != nil {
		return m.FuncUpdateEscrowState(orderID, index, role, state)
	}
	return nil
}

func (m *Store) UpdateEscrowHandle(orderID uint64, index int, role escrow.ChainRole, handle, txHash string) error {
	if m.FuncUpdateEscrowHandle != nil {
		return m.FuncUpdateEscrowHandle(orderID, index, role, handle, txHash)
	}
	return nil
}

func (m *Store) UpdateFilled(orderID uint64, completedAmount string, terminal bool) error {
	if m.FuncUpdateFilled != nil {
		return m.FuncUpdateFilled(orderID, completedAmount, terminal)
	}
	return nil
}

func (m *Store) SetCancelled(orderID uint64) error {
	if m.FuncSetCancelled != nil {
		return m.FuncSetCancelled(orderID)
	}
	return nil
}

func (m *Store) ClearSecrets(orderID uint64) error {
	if m.FuncClearSecrets != nil {
		return m.FuncClearSecrets(orderID)
	}
	return nil
}

func (m *Store) Sessions() ([]store.SessionRecord, error) {
	if m.FuncSessions != nil {
		return m.FuncSessions()
	}
	return nil, nil
}

func (m *Store) SessionByOrderID(orderID uint64) (store.SessionRecord, error) {
	if m.FuncSessionByOrderID != nil {
		return m.FuncSessionByOrderID(orderID)
	}
	return store.SessionRecord{}, nil
}

func (m *Store) EscrowsByOrder(orderID uint64) ([]store.EscrowRecord, error) {
	if m.FuncEscrowsByOrder != nil {
		return m.FuncEscrowsByOrder(orderID)
	}
	return nil, nil
}
