package store

import (
	"fmt"
	"sync"

	"github.com/catalogfi/gardend/pkg/escrow"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionRedeem Action = "redeem"
	ActionRefund Action = "refund"
)

// ActionStore deduplicates chain actions so a retried transient failure never
// issues the same irreversible call twice.
type ActionStore interface {
	// CheckAction returns whether the action has been done on the leg before.
	CheckAction(action Action, orderID uint64, index int, role escrow.ChainRole) (bool, error)

	// RecordAction keeps track of an action done on the leg.
	RecordAction(action Action, orderID uint64, index int, role escrow.ChainRole) error
}

type memActionStore struct {
	mu      sync.Mutex
	actions map[string]struct{}
}

func NewInMemActionStore() ActionStore {
	return &memActionStore{actions: map[string]struct{}{}}
}

func (m *memActionStore) CheckAction(action Action, orderID uint64, index int, role escrow.ChainRole) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.actions[actionKey(action, orderID, index, role)]
	return ok, nil
}

func (m *memActionStore) RecordAction(action Action, orderID uint64, index int, role escrow.ChainRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[actionKey(action, orderID, index, role)] = struct{}{}
	return nil
}

func actionKey(action Action, orderID uint64, index int, role escrow.ChainRole) string {
	return fmt.Sprintf("%v-%v-%v-%v", action, orderID, index, role)
}
