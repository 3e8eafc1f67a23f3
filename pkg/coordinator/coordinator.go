// Package coordinator drives swap sessions through their phases. One
// coordinator instance serves one chain pair and many concurrent sessions,
// while every mutation of a single session goes through that session's lock.
// The loop never holds a session lock across an adapter call, it reads the
// phase, talks to the chains, then re-acquires the lock to apply what it
// observed.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/catalogfi/gardend/pkg/adapter"
	"github.com/catalogfi/gardend/pkg/escrow"
	"github.com/catalogfi/gardend/pkg/model"
	"github.com/catalogfi/gardend/pkg/secret"
	"github.com/catalogfi/gardend/pkg/session"
	"github.com/catalogfi/gardend/pkg/store"
	"go.uber.org/zap"
)

type Coordinator interface {
	// Start the coordination loop, it's not blocking and will spawn a
	// background goroutine.
	Start() error

	// Stop gracefully shuts the loop down, waiting for the current tick to
	// finish.
	Stop()

	// Submit accepts a rate-agreed order from the intake boundary and
	// creates its session and secret set.
	Submit(order model.SwapOrder) (*session.Session, error)

	// Fill opens the next tranche of a session for a counterparty.
	Fill(orderID uint64, params session.TrancheParams) (int, error)

	// Cancel aborts a session externally. It is rejected once any leg
	// holds funds, refunds then only happen through the timelocked path.
	Cancel(orderID uint64) error

	// Session returns the live session of an order.
	Session(orderID uint64) (*session.Session, bool)

	// Events exposes session lifecycle events to external monitoring.
	Events() <-chan Event
}

type coordinator struct {
	logger  *zap.Logger
	source  adapter.ChainAdapter
	dest    adapter.ChainAdapter
	storage store.Store
	actions store.ActionStore

	interval time.Duration

	mu        sync.RWMutex
	sessions  map[uint64]*session.Session
	finalized map[uint64]struct{}

	events chan Event
	quit   chan struct{}
	wg     *sync.WaitGroup
}

func New(logger *zap.Logger, source, dest adapter.ChainAdapter, storage store.Store, actions store.ActionStore, interval time.Duration) (Coordinator, error) {
	// Mismatched lock digests across legs would silently break atomicity,
	// a secret valid on one chain would be unverifiable on the other.
	if source.LockDigest() != secret.Digest || dest.LockDigest() != secret.Digest {
		return nil, fmt.Errorf("lock digest mismatch: source %v, destination %v, want %v",
			source.LockDigest(), dest.LockDigest(), secret.Digest)
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &coordinator{
		logger:    logger,
		source:    source,
		dest:      dest,
		storage:   storage,
		actions:   actions,
		interval:  interval,
		sessions:  map[uint64]*session.Session{},
		finalized: map[uint64]struct{}{},
		events:    make(chan Event, 128),
		quit:      make(chan struct{}),
		wg:        new(sync.WaitGroup),
	}, nil
}

func (c *coordinator) Start() error {
	if err := c.resume(); err != nil {
		return fmt.Errorf("failed to resume persisted sessions, err : %v", err)
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.mu.RLock()
				sessions := make([]*session.Session, 0, len(c.sessions))
				for _, sess := range c.sessions {
					sessions = append(sessions, sess)
				}
				c.mu.RUnlock()

				ctx, cancel := context.WithTimeout(context.Background(), c.interval*4)
				for _, sess := range sessions {
					c.tick(ctx, sess)
				}
				cancel()
			case <-c.quit:
				c.logger.Info("stopping coordinator")
				return
			}
		}
	}()
	return nil
}

func (c *coordinator) Stop() {
	if c.quit != nil {
		close(c.quit)
		c.wg.Wait()
		c.quit = nil
	}
}

func (c *coordinator) Events() <-chan Event {
	return c.events
}

// resume rehydrates every non-terminal session from the durable store, so a
// restarted coordinator picks each tranche up at its persisted phase instead
// of starting the order over.
func (c *coordinator) resume() error {
	records, err := c.storage.Sessions()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	for _, record := range records {
		if record.Terminal || record.Cancelled {
			continue
		}
		sess, err := c.restoreSession(ctx, record)
		if err != nil {
			c.logger.Error("failed to restore session",
				zap.Uint64("order-id", record.OrderID),
				zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.sessions[record.OrderID] = sess
		c.mu.Unlock()
		c.logger.Info("session restored",
			zap.Uint64("order-id", record.OrderID),
			zap.Int("tranches", len(sess.Tranches())))
	}
	return nil
}

func (c *coordinator) restoreSession(ctx context.Context, record store.SessionRecord) (*session.Session, error) {
	order, err := orderFromRecord(record)
	if err != nil {
		return nil, err
	}
	raw, err := decodeSecrets(record.Secrets)
	if err != nil {
		return nil, err
	}
	set, err := secret.Restore(raw)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(order, set)
	if err != nil {
		return nil, err
	}

	rows, err := c.storage.EscrowsByOrder(record.OrderID)
	if err != nil {
		return nil, err
	}
	// Rows come back ordered by tranche index, each tranche owns exactly one
	// row per role.
	byIndex := map[int]map[escrow.ChainRole]store.EscrowRecord{}
	indices := []int{}
	for _, row := range rows {
		if _, ok := byIndex[row.TrancheIndex]; !ok {
			byIndex[row.TrancheIndex] = map[escrow.ChainRole]store.EscrowRecord{}
			indices = append(indices, row.TrancheIndex)
		}
		byIndex[row.TrancheIndex][escrow.ChainRole(row.Role)] = row
	}

	for _, index := range indices {
		sourceRow, ok := byIndex[index][escrow.RoleSource]
		if !ok {
			return nil, fmt.Errorf("tranche %v has no source row", index)
		}
		destRow, ok := byIndex[index][escrow.RoleDestination]
		if !ok {
			return nil, fmt.Errorf("tranche %v has no destination row", index)
		}
		source, err := restoreLeg(sourceRow)
		if err != nil {
			return nil, err
		}
		dest, err := restoreLeg(destRow)
		if err != nil {
			return nil, err
		}

		phase := session.Phase(sourceRow.Phase)
		if err := sess.RestoreTranche(session.TrancheState{
			Index:        index,
			Amount:       dest.Principal,
			Counterparty: sourceRow.Counterparty,
			Phase:        phase,
			Source:       source,
			Dest:         dest,
			SourceHandle: adapter.Handle(sourceRow.Handle),
			DestHandle:   adapter.Handle(destRow.Handle),
		}); err != nil {
			return nil, err
		}
		if phase == session.SecretReleased || phase == session.Completed {
			if err := set.MarkDualFunded(index); err != nil {
				return nil, err
			}
		}
		if !phase.Terminal() {
			tranche, ok := sess.Tranche(index)
			if !ok {
				return nil, fmt.Errorf("restored tranche %v not found", index)
			}
			if err := c.reattachLegs(ctx, sess, tranche); err != nil {
				return nil, err
			}
		}
	}
	return sess, nil
}

// reattachLegs re-registers restored escrows with their chain adapters.
// Handles are adapter scoped: the utxo adapter keeps its htlc scripts in
// memory and has to rebuild them from the same parameters, adopting the
// on-chain escrow instead of funding it again.
func (c *coordinator) reattachLegs(ctx context.Context, sess *session.Session, tranche *session.Tranche) error {
	sess.Lock()
	maker := sess.Order.Maker
	counterparty := tranche.Counterparty
	sess.Unlock()

	for _, l := range c.legs(sess, tranche) {
		if l.handle == "" || l.state.Terminal() {
			continue
		}
		funder, redeemer := maker, counterparty
		if l.role == escrow.RoleDestination {
			funder, redeemer = counterparty, maker
		}
		handle, err := l.adapter.CreateAndFund(ctx, adapter.FundingParams{
			HashCommitment: l.record.HashCommitment,
			Timelock:       l.record.Timelock,
			Principal:      l.record.Principal,
			SafetyDeposit:  l.record.SafetyDeposit,
			Funder:         funder,
			Redeemer:       redeemer,
		})
		if err != nil {
			return fmt.Errorf("failed to reattach %v escrow, err : %v", l.role, err)
		}
		if handle != l.handle {
			return fmt.Errorf("%v escrow resolved to handle %v, persisted %v", l.role, handle, l.handle)
		}
	}
	return nil
}

func orderFromRecord(record store.SessionRecord) (model.SwapOrder, error) {
	sourceAmount, ok := new(big.Int).SetString(record.SourceAmount, 10)
	if !ok {
		return model.SwapOrder{}, fmt.Errorf("invalid source amount = %v", record.SourceAmount)
	}
	destAmount, ok := new(big.Int).SetString(record.DestAmount, 10)
	if !ok {
		return model.SwapOrder{}, fmt.Errorf("invalid destination amount = %v", record.DestAmount)
	}
	return model.SwapOrder{
		ID:    record.OrderID,
		Maker: record.Maker,
		SourceAsset: model.Asset{
			Chain:  model.Chain(record.SourceChain),
			Token:  record.SourceToken,
			Amount: sourceAmount,
		},
		DestAsset: model.Asset{
			Chain:  model.Chain(record.DestChain),
			Token:  record.DestToken,
			Amount: destAmount,
		},
		CreatedAt: record.CreatedAt,
		Expiry:    record.Expiry,
		Fill:      model.FillPolicy{Parts: record.Parts},
	}, nil
}

func restoreLeg(row store.EscrowRecord) (*escrow.Record, error) {
	commitmentBytes, err := hex.DecodeString(row.HashCommitment)
	if err != nil || len(commitmentBytes) != sha256.Size {
		return nil, fmt.Errorf("invalid hash commitment = %v", row.HashCommitment)
	}
	var commitment [sha256.Size]byte
	copy(commitment[:], commitmentBytes)

	principal, ok := new(big.Int).SetString(row.Principal, 10)
	if !ok {
		return nil, fmt.Errorf("invalid principal = %v", row.Principal)
	}
	deposit, ok := new(big.Int).SetString(row.SafetyDeposit, 10)
	if !ok {
		return nil, fmt.Errorf("invalid safety deposit = %v", row.SafetyDeposit)
	}
	return escrow.RestoreRecord(model.Chain(row.Chain), escrow.ChainRole(row.Role), row.TrancheIndex,
		commitment, row.Timelock, principal, deposit, escrow.State(row.State))
}

func decodeSecrets(encoded string) ([][]byte, error) {
	if encoded == "" {
		return nil, fmt.Errorf("no persisted secrets")
	}
	parts := strings.Split(encoded, ",")
	out := make([][]byte, 0, len(parts))
	for _, part := range parts {
		raw, err := hex.DecodeString(part)
		if err != nil {
			return nil, fmt.Errorf("invalid persisted secret, err : %v", err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func (c *coordinator) Submit(order model.SwapOrder) (*session.Session, error) {
	if err := order.Validate(); err != nil {
		return nil, err
	}
	if order.SourceAsset.Chain != c.source.Chain() || order.DestAsset.Chain != c.dest.Chain() {
		return nil, fmt.Errorf("order pair %v-%v does not match coordinator pair %v-%v",
			order.SourceAsset.Chain, order.DestAsset.Chain, c.source.Chain(), c.dest.Chain())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sessions[order.ID]; ok {
		return nil, fmt.Errorf("duplicated order = %v", order.ID)
	}

	secrets, err := secret.Generate(order)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(order, secrets)
	if err != nil {
		return nil, err
	}
	if err := c.storage.PutSession(sess); err != nil {
		return nil, fmt.Errorf("failed to persist session, err : %v", err)
	}
	c.sessions[order.ID] = sess
	c.logger.Info("session created",
		zap.Uint64("order-id", order.ID),
		zap.Uint32("parts", order.Fill.Parts))
	return sess, nil
}

func (c *coordinator) Session(orderID uint64) (*session.Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sess, ok := c.sessions[orderID]
	return sess, ok
}

func (c *coordinator) Fill(orderID uint64, params session.TrancheParams) (int, error) {
	sess, ok := c.Session(orderID)
	if !ok {
		return 0, fmt.Errorf("unknown order = %v", orderID)
	}

	sess.Lock()
	defer sess.Unlock()
	tranche, err := sess.AssignTranche(params)
	if err != nil {
		return 0, err
	}
	// Durable before any chain call, a restart must resume instead of
	// double-funding.
	if err := c.storage.PutTranche(orderID, tranche); err != nil {
		return 0, fmt.Errorf("failed to persist tranche, err : %v", err)
	}
	c.logger.Info("tranche assigned",
		zap.Uint64("order-id", orderID),
		zap.Int("tranche", tranche.Index),
		zap.String("counterparty", params.Counterparty))
	return tranche.Index, nil
}

func (c *coordinator) Cancel(orderID uint64) error {
	sess, ok := c.Session(orderID)
	if !ok {
		return fmt.Errorf("unknown order = %v", orderID)
	}

	sess.Lock()
	defer sess.Unlock()
	if err := sess.Cancel(); err != nil {
		return err
	}
	for _, tranche := range sess.Tranches() {
		if tranche.Phase().Terminal() {
			continue
		}
		for _, leg := range []*escrow.Record{tranche.Source, tranche.Dest} {
			if leg.State() == escrow.Pending {
				if err := leg.Abandon(); err != nil {
					return err
				}
			}
		}
		if err := tranche.SetPhase(session.Failed); err != nil {
			return err
		}
		if err := c.storage.UpdateTranchePhase(orderID, tranche.Index, session.Failed, nil); err != nil {
			c.logger.Error("failed to persist phase", zap.Error(err))
		}
	}
	if err := c.storage.SetCancelled(orderID); err != nil {
		c.logger.Error("failed to persist cancellation", zap.Error(err))
	}
	c.logger.Info("session cancelled", zap.Uint64("order-id", orderID))
	return nil
}

// tick advances every live tranche of one session by one observation round.
func (c *coordinator) tick(ctx context.Context, sess *session.Session) {
	sess.Lock()
	terminal := sess.Terminal()
	expired := !sess.Cancelled() && time.Now().After(sess.Order.Expiry)
	tranches := append([]*session.Tranche{}, sess.Tranches()...)
	sess.Unlock()

	if terminal {
		c.finalize(sess)
		return
	}
	if expired {
		c.expire(sess)
	}

	for _, tranche := range tranches {
		sess.Lock()
		phase := tranche.Phase()
		sess.Unlock()

		switch phase {
		case session.Matched:
			c.ensureEscrows(ctx, sess, tranche)
		case session.AwaitingDualFunding:
			c.watchFunding(ctx, sess, tranche)
		case session.SecretReleased:
			c.watchRedemption(ctx, sess, tranche)
		case session.Refunding:
			c.processRefund(ctx, sess, tranche)
		}
	}
	c.finalize(sess)
}

type leg struct {
	role    escrow.ChainRole
	record  *escrow.Record
	state   escrow.State
	adapter adapter.ChainAdapter
	handle  adapter.Handle
}

// legs snapshots both legs of a tranche under the session lock, including the
// escrow states. The loop decides on the snapshot and only touches the records
// again under the lock, so an external Cancel between snapshot and apply never
// races a bare read. The record guards resolve any transition that went stale
// in between.
func (c *coordinator) legs(sess *session.Session, tranche *session.Tranche) []leg {
	sess.Lock()
	defer sess.Unlock()
	return []leg{
		{role: escrow.RoleSource, record: tranche.Source, state: tranche.Source.State(), adapter: c.source, handle: tranche.SourceHandle},
		{role: escrow.RoleDestination, record: tranche.Dest, state: tranche.Dest.State(), adapter: c.dest, handle: tranche.DestHandle},
	}
}

// ensureEscrows asks both adapters to create and fund the tranche's escrows,
// source first. Creation is idempotent: a handle already assigned is never
// re-created, and the action store guards against re-issuing after a restart.
func (c *coordinator) ensureEscrows(ctx context.Context, sess *session.Session, tranche *session.Tranche) {
	orderID := sess.Order.ID
	logger := c.logger.With(zap.Uint64("order-id", orderID), zap.Int("tranche", tranche.Index))

	sess.Lock()
	maker := sess.Order.Maker
	counterparty := tranche.Counterparty
	sess.Unlock()

	for _, l := range c.legs(sess, tranche) {
		if l.handle != "" {
			continue
		}
		// A recorded create with no persisted handle means the process died
		// between the chain call and the handle write. The adapters derive
		// deterministic handles and adopt an escrow that already exists on
		// chain, so re-issuing recovers the handle without funding twice.
		created, err := c.actions.CheckAction(store.ActionCreate, orderID, tranche.Index, l.role)
		if err != nil {
			logger.Error("failed to check action", zap.Error(err))
			return
		}
		if created {
			logger.Info("recovering escrow handle after restart", zap.String("role", string(l.role)))
		}

		funder, redeemer := maker, counterparty
		if l.role == escrow.RoleDestination {
			funder, redeemer = counterparty, maker
		}

		params := adapter.FundingParams{
			HashCommitment: l.record.HashCommitment,
			Timelock:       l.record.Timelock,
			Principal:      l.record.Principal,
			SafetyDeposit:  l.record.SafetyDeposit,
			Funder:         funder,
			Redeemer:       redeemer,
		}
		handle, err := l.adapter.CreateAndFund(ctx, params)
		if err != nil {
			if adapter.IsPermanent(err) {
				c.toRefunding(sess, tranche, err)
				return
			}
			logger.Debug("create and fund pending", zap.String("role", string(l.role)), zap.Error(err))
			return
		}

		sess.Lock()
		if l.role == escrow.RoleSource {
			tranche.SourceHandle = handle
		} else {
			tranche.DestHandle = handle
		}
		sess.Unlock()
		if err := c.storage.UpdateEscrowHandle(orderID, tranche.Index, l.role, string(handle), ""); err != nil {
			logger.Error("failed to persist escrow handle", zap.Error(err))
		}
		if !created {
			if err := c.actions.RecordAction(store.ActionCreate, orderID, tranche.Index, l.role); err != nil {
				logger.Error("failed to record action", zap.Error(err))
			}
		}
	}

	sess.Lock()
	defer sess.Unlock()
	if tranche.SourceHandle != "" && tranche.DestHandle != "" && tranche.Phase() == session.Matched {
		if err := tranche.SetPhase(session.AwaitingDualFunding); err != nil {
			logger.Error("phase transition rejected", zap.Error(err))
			return
		}
		if err := c.storage.UpdateTranchePhase(orderID, tranche.Index, session.AwaitingDualFunding, nil); err != nil {
			logger.Error("failed to persist phase", zap.Error(err))
		}
	}
}

// watchFunding polls both legs until they are funded, then releases the
// tranche's secret. The timelock check runs on every poll against each
// chain's own clock, a quiet period can never skip a deadline.
func (c *coordinator) watchFunding(ctx context.Context, sess *session.Session, tranche *session.Tranche) {
	orderID := sess.Order.ID
	logger := c.logger.With(zap.Uint64("order-id", orderID), zap.Int("tranche", tranche.Index))

	for _, l := range c.legs(sess, tranche) {
		state, err := l.adapter.QueryState(ctx, l.handle)
		if err != nil {
			if adapter.IsPermanent(err) {
				c.toRefunding(sess, tranche, err)
			}
			return
		}
		if state.Status == adapter.StatusFunded && l.state == escrow.Pending {
			sess.Lock()
			err := l.record.Fund(escrow.FundingProof{Locked: state.Locked, Proof: state.Proof})
			sess.Unlock()
			if err != nil {
				logger.Error("funding report rejected", zap.String("role", string(l.role)), zap.Error(err))
				continue
			}
			if err := c.storage.UpdateEscrowState(orderID, tranche.Index, l.role, escrow.Funded); err != nil {
				logger.Error("failed to persist escrow state", zap.Error(err))
			}
			logger.Info("leg funded", zap.String("role", string(l.role)))
		}
	}

	sess.Lock()
	dualFunded := tranche.DualFunded()
	sess.Unlock()

	if dualFunded {
		sess.Lock()
		err := func() error {
			if err := sess.Secrets.MarkDualFunded(tranche.Index); err != nil {
				return err
			}
			if _, err := sess.Secrets.Reveal(tranche.Index); err != nil {
				return err
			}
			return tranche.SetPhase(session.SecretReleased)
		}()
		sess.Unlock()
		if err != nil {
			// A reveal failure here is a protocol violation, the tranche
			// is forced onto the refund path rather than ignored.
			c.toRefunding(sess, tranche, err)
			return
		}
		if err := c.storage.UpdateTranchePhase(orderID, tranche.Index, session.SecretReleased, nil); err != nil {
			logger.Error("failed to persist phase", zap.Error(err))
		}
		c.emit(EventTrancheFunded, orderID, tranche.Index)
		c.emit(EventSecretRevealed, orderID, tranche.Index)
		logger.Info("secret released")

		// The source leg is redeemed first, that is what economically
		// entitles the counterparty.
		c.dispatchRedeem(ctx, sess, tranche, escrow.RoleSource)
		return
	}

	if c.timelockElapsed(ctx, sess, tranche) {
		c.toRefunding(sess, tranche, fmt.Errorf("dual funding timed out"))
	}
}

// watchRedemption drives both legs from SecretReleased to Completed. The
// destination redemption follows once the source redemption is observed, or
// once the secret is known through on-chain disclosure.
func (c *coordinator) watchRedemption(ctx context.Context, sess *session.Session, tranche *session.Tranche) {
	orderID := sess.Order.ID
	logger := c.logger.With(zap.Uint64("order-id", orderID), zap.Int("tranche", tranche.Index))

	revealed, err := sess.Secrets.Reveal(tranche.Index)
	if err != nil {
		c.toRefunding(sess, tranche, err)
		return
	}

	sourceRedeemed := false
	for _, l := range c.legs(sess, tranche) {
		if l.state == escrow.Redeemed {
			if l.role == escrow.RoleSource {
				sourceRedeemed = true
			}
			continue
		}
		state, err := l.adapter.QueryState(ctx, l.handle)
		if err != nil {
			if adapter.IsPermanent(err) {
				c.toRefunding(sess, tranche, err)
			}
			return
		}
		switch state.Status {
		case adapter.StatusRedeemed:
			secretUsed := state.Secret
			if len(secretUsed) == 0 {
				secretUsed = revealed
			}
			sess.Lock()
			err := l.record.Redeem(secretUsed)
			sess.Unlock()
			if err != nil {
				logger.Error("redeem report rejected", zap.String("role", string(l.role)), zap.Error(err))
				continue
			}
			if err := c.storage.UpdateEscrowState(orderID, tranche.Index, l.role, escrow.Redeemed); err != nil {
				logger.Error("failed to persist escrow state", zap.Error(err))
			}
			if l.role == escrow.RoleSource {
				sourceRedeemed = true
			}
		case adapter.StatusCancelled:
			// The chain resolved a redeem/refund race against us, accept
			// its answer and unwind the rest of the tranche. The cancel is
			// applied at the chain's own clock, never a fabricated time.
			chainTime, timeErr := l.adapter.CurrentChainTime(ctx)
			if timeErr != nil {
				return
			}
			sess.Lock()
			err := l.record.Cancel(chainTime)
			sess.Unlock()
			if err != nil {
				logger.Error("cancel report rejected", zap.String("role", string(l.role)), zap.Error(err))
			} else if err := c.storage.UpdateEscrowState(orderID, tranche.Index, l.role, escrow.Cancelled); err != nil {
				logger.Error("failed to persist escrow state", zap.Error(err))
			}
			c.toRefunding(sess, tranche, fmt.Errorf("%v leg refunded during redemption", l.role))
			return
		}
	}

	if sourceRedeemed {
		c.dispatchRedeem(ctx, sess, tranche, escrow.RoleDestination)
	}

	sess.Lock()
	completed := tranche.Source.State() == escrow.Redeemed && tranche.Dest.State() == escrow.Redeemed
	sess.Unlock()
	if completed {
		sess.Lock()
		err := func() error {
			if err := tranche.SetPhase(session.Completed); err != nil {
				return err
			}
			return sess.RecordFill(tranche.Index, tranche.Amount)
		}()
		completedAmount := sess.CompletedAmount()
		terminal := sess.Terminal()
		sess.Unlock()
		if err != nil {
			logger.Error("failed to complete tranche", zap.Error(err))
			return
		}
		if err := c.storage.UpdateTranchePhase(orderID, tranche.Index, session.Completed, nil); err != nil {
			logger.Error("failed to persist phase", zap.Error(err))
		}
		if err := c.storage.UpdateFilled(orderID, completedAmount.String(), terminal); err != nil {
			logger.Error("failed to persist fill", zap.Error(err))
		}
		c.emit(EventTrancheCompleted, orderID, tranche.Index)
		logger.Info("tranche completed")
		return
	}

	if c.timelockElapsed(ctx, sess, tranche) {
		c.toRefunding(sess, tranche, fmt.Errorf("redemption stalled past timelock"))
	}
}

// dispatchRedeem issues the redeem transaction for one leg, once.
func (c *coordinator) dispatchRedeem(ctx context.Context, sess *session.Session, tranche *session.Tranche, role escrow.ChainRole) {
	orderID := sess.Order.ID
	logger := c.logger.With(zap.Uint64("order-id", orderID), zap.Int("tranche", tranche.Index), zap.String("role", string(role)))

	done, err := c.actions.CheckAction(store.ActionRedeem, orderID, tranche.Index, role)
	if err != nil {
		logger.Error("failed to check action", zap.Error(err))
		return
	}
	if done {
		return
	}

	revealed, err := sess.Secrets.Reveal(tranche.Index)
	if err != nil {
		logger.Error("reveal rejected", zap.Error(err))
		return
	}
	var l leg
	for _, candidate := range c.legs(sess, tranche) {
		if candidate.role == role {
			l = candidate
		}
	}
	txHash, err := l.adapter.Redeem(ctx, l.handle, revealed)
	if err != nil {
		logger.Debug("redeem pending", zap.Error(err))
		return
	}
	if err := c.actions.RecordAction(store.ActionRedeem, orderID, tranche.Index, role); err != nil {
		logger.Error("failed to record action", zap.Error(err))
	}
	if err := c.storage.UpdateEscrowHandle(orderID, tranche.Index, role, string(l.handle), txHash); err != nil {
		logger.Error("failed to persist tx hash", zap.Error(err))
	}
	logger.Info("redeem dispatched", zap.String("tx-hash", txHash))
}

// timelockElapsed checks each leg's timelock against its own chain clock.
// Wall-clock time never gates a refund, only the adapters' authoritative
// observation does.
func (c *coordinator) timelockElapsed(ctx context.Context, sess *session.Session, tranche *session.Tranche) bool {
	for _, l := range c.legs(sess, tranche) {
		if l.state.Terminal() {
			continue
		}
		chainTime, err := l.adapter.CurrentChainTime(ctx)
		if err != nil {
			continue
		}
		if chainTime > l.record.Timelock {
			return true
		}
	}
	return false
}

// toRefunding forces a tranche onto the refund path. Only the legs actually
// holding funds will be cancelled, pending legs are abandoned.
func (c *coordinator) toRefunding(sess *session.Session, tranche *session.Tranche, cause error) {
	orderID := sess.Order.ID

	sess.Lock()
	phase := tranche.Phase()
	var err error
	if phase != session.Refunding && !phase.Terminal() {
		err = tranche.SetPhase(session.Refunding)
	}
	sess.Unlock()
	if err != nil {
		c.logger.Error("phase transition rejected", zap.Uint64("order-id", orderID), zap.Error(err))
		return
	}
	if err := c.storage.UpdateTranchePhase(orderID, tranche.Index, session.Refunding, cause); err != nil {
		c.logger.Error("failed to persist phase", zap.Error(err))
	}
	c.logger.Warn("tranche refunding",
		zap.Uint64("order-id", orderID),
		zap.Int("tranche", tranche.Index),
		zap.Error(cause))
}

// processRefund unwinds a refunding tranche until every leg is terminal.
func (c *coordinator) processRefund(ctx context.Context, sess *session.Session, tranche *session.Tranche) {
	orderID := sess.Order.ID
	logger := c.logger.With(zap.Uint64("order-id", orderID), zap.Int("tranche", tranche.Index))

	for _, l := range c.legs(sess, tranche) {
		if l.state.Terminal() {
			continue
		}
		if l.state == escrow.Pending {
			// Never funded, nothing to refund.
			sess.Lock()
			err := l.record.Abandon()
			sess.Unlock()
			if err != nil {
				logger.Error("abandon rejected", zap.String("role", string(l.role)), zap.Error(err))
				continue
			}
			if err := c.storage.UpdateEscrowState(orderID, tranche.Index, l.role, escrow.Cancelled); err != nil {
				logger.Error("failed to persist escrow state", zap.Error(err))
			}
			continue
		}

		state, err := l.adapter.QueryState(ctx, l.handle)
		if err != nil {
			continue
		}
		switch state.Status {
		case adapter.StatusRedeemed:
			// The redeem landed before the refund, the chain's terminal
			// state wins.
			sess.Lock()
			err := l.record.Redeem(state.Secret)
			sess.Unlock()
			if err != nil {
				logger.Error("conflicting terminal state", zap.String("role", string(l.role)), zap.Error(err))
				continue
			}
			if err := c.storage.UpdateEscrowState(orderID, tranche.Index, l.role, escrow.Redeemed); err != nil {
				logger.Error("failed to persist escrow state", zap.Error(err))
			}
		case adapter.StatusCancelled:
			chainTime, err := l.adapter.CurrentChainTime(ctx)
			if err != nil {
				continue
			}
			sess.Lock()
			err = l.record.Cancel(chainTime)
			sess.Unlock()
			if err != nil {
				logger.Error("cancel report rejected", zap.String("role", string(l.role)), zap.Error(err))
				continue
			}
			if err := c.storage.UpdateEscrowState(orderID, tranche.Index, l.role, escrow.Cancelled); err != nil {
				logger.Error("failed to persist escrow state", zap.Error(err))
			}
			logger.Info("leg refunded", zap.String("role", string(l.role)))
		case adapter.StatusFunded:
			done, err := c.actions.CheckAction(store.ActionRefund, orderID, tranche.Index, l.role)
			if err != nil || done {
				continue
			}
			txHash, err := l.adapter.Cancel(ctx, l.handle)
			if err != nil {
				// Most often the timelock has not elapsed on chain yet,
				// retried on the next tick.
				logger.Debug("refund pending", zap.String("role", string(l.role)), zap.Error(err))
				continue
			}
			if err := c.actions.RecordAction(store.ActionRefund, orderID, tranche.Index, l.role); err != nil {
				logger.Error("failed to record action", zap.Error(err))
			}
			logger.Info("refund dispatched", zap.String("role", string(l.role)), zap.String("tx-hash", txHash))
		}
	}

	sess.Lock()
	allTerminal := tranche.Source.State().Terminal() && tranche.Dest.State().Terminal()
	var err error
	if allTerminal {
		err = func() error {
			if err := tranche.SetPhase(session.Failed); err != nil {
				return err
			}
			return sess.ReleaseTranche(tranche.Index)
		}()
	}
	sess.Unlock()
	if !allTerminal {
		return
	}
	if err != nil {
		logger.Error("failed to fail tranche", zap.Error(err))
		return
	}
	if err := c.storage.UpdateTranchePhase(orderID, tranche.Index, session.Failed, nil); err != nil {
		logger.Error("failed to persist phase", zap.Error(err))
	}
	c.emit(EventTrancheRefunded, orderID, tranche.Index)
	logger.Info("tranche failed, funds returned")
}

// expire cancels a session whose order expiry passed while nothing was
// funded. Funded legs are governed by their timelocks, not the order expiry.
func (c *coordinator) expire(sess *session.Session) {
	sess.Lock()
	orderID := sess.Order.ID
	err := sess.Cancel()
	if err == nil {
		for _, tranche := range sess.Tranches() {
			if tranche.Phase().Terminal() {
				continue
			}
			for _, l := range []*escrow.Record{tranche.Source, tranche.Dest} {
				if l.State() == escrow.Pending {
					_ = l.Abandon()
				}
			}
			if err := tranche.SetPhase(session.Failed); err != nil {
				c.logger.Error("phase transition rejected", zap.Error(err))
			}
		}
	}
	sess.Unlock()
	if err == nil {
		if err := c.storage.SetCancelled(orderID); err != nil {
			c.logger.Error("failed to persist cancellation", zap.Error(err))
		}
		c.logger.Info("session expired unfilled", zap.Uint64("order-id", orderID))
	}
}

// finalize destroys the secret material and emits the terminal session event
// exactly once.
func (c *coordinator) finalize(sess *session.Session) {
	sess.Lock()
	orderID := sess.Order.ID
	terminal := sess.Terminal()
	fullyFilled := sess.FilledFraction() == 1.0
	sess.Unlock()
	if !terminal {
		return
	}

	c.mu.Lock()
	_, done := c.finalized[orderID]
	if !done {
		c.finalized[orderID] = struct{}{}
	}
	c.mu.Unlock()
	if done {
		return
	}

	sess.Secrets.Destroy()
	if err := c.storage.ClearSecrets(orderID); err != nil {
		c.logger.Error("failed to clear persisted secrets", zap.Error(err))
	}
	if fullyFilled {
		c.emit(EventSessionCompleted, orderID, -1)
		c.logger.Info("session completed", zap.Uint64("order-id", orderID))
	} else {
		c.emit(EventSessionFailed, orderID, -1)
		c.logger.Info("session failed", zap.Uint64("order-id", orderID))
	}
}
