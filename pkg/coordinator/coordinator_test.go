package coordinator_test

import (
	"context"
	"fmt"
	"math/big"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/catalogfi/gardend/pkg/adapter"
	"github.com/catalogfi/gardend/pkg/coordinator"
	"github.com/catalogfi/gardend/pkg/escrow"
	"github.com/catalogfi/gardend/pkg/mock"
	"github.com/catalogfi/gardend/pkg/model"
	"github.com/catalogfi/gardend/pkg/secret"
	"github.com/catalogfi/gardend/pkg/session"
	"github.com/catalogfi/gardend/pkg/store"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newOrder(id uint64, parts uint32, destAmount int64) model.SwapOrder {
	return model.SwapOrder{
		ID:    id,
		Maker: "bcrt1qtest_maker",
		SourceAsset: model.Asset{
			Chain:  model.BitcoinRegtest,
			Token:  "BTC",
			Amount: big.NewInt(destAmount * 2),
		},
		DestAsset: model.Asset{
			Chain:  model.EthereumLocal,
			Token:  "WBTC",
			Amount: big.NewInt(destAmount),
		},
		CreatedAt: time.Now(),
		Expiry:    time.Now().Add(time.Hour),
		Fill:      model.FillPolicy{Parts: parts},
	}
}

func trancheParams(amount int64) session.TrancheParams {
	return session.TrancheParams{
		Amount:         big.NewInt(amount),
		Counterparty:   "0xresolver",
		SourceTimelock: 1000,
		DestTimelock:   500,
		SourceDeposit:  big.NewInt(10),
		DestDeposit:    big.NewInt(10),
	}
}

func phaseOf(sess *session.Session, index int) session.Phase {
	sess.Lock()
	defer sess.Unlock()
	tranche, ok := sess.Tranche(index)
	if !ok {
		return session.Phase(255)
	}
	return tranche.Phase()
}

func handlesOf(sess *session.Session, index int) (adapter.Handle, adapter.Handle) {
	sess.Lock()
	defer sess.Unlock()
	tranche, ok := sess.Tranche(index)
	if !ok {
		return "", ""
	}
	return tranche.SourceHandle, tranche.DestHandle
}

func legStateOf(sess *session.Session, index int, role escrow.ChainRole) escrow.State {
	sess.Lock()
	defer sess.Unlock()
	tranche, ok := sess.Tranche(index)
	if !ok {
		return escrow.State(255)
	}
	if role == escrow.RoleSource {
		return tranche.Source.State()
	}
	return tranche.Dest.State()
}

func drainEvents(co coordinator.Coordinator) map[coordinator.EventType]int {
	seen := map[coordinator.EventType]int{}
	for {
		select {
		case event := <-co.Events():
			seen[event.Type]++
		default:
			return seen
		}
	}
}

// scriptedLeg backs a Func-field chain adapter whose reported state the test
// flips at chosen moments, so races the loop has to resolve can be replayed
// deterministically.
type scriptedLeg struct {
	mu         sync.Mutex
	chain      model.Chain
	handle     adapter.Handle
	status     adapter.Status
	secret     []byte
	height     adapter.ChainTime
	redeemErr  error
	cancelErr  error
	lastSecret []byte
}

func (s *scriptedLeg) setStatus(status adapter.Status, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.secret = secret
}

func (s *scriptedLeg) setHeight(height adapter.ChainTime) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height = height
}

func (s *scriptedLeg) capturedSecret() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte{}, s.lastSecret...)
}

func (s *scriptedLeg) adapter() *mock.ChainAdapter {
	return &mock.ChainAdapter{
		FuncChain: func() model.Chain { return s.chain },
		FuncCreateAndFund: func(context.Context, adapter.FundingParams) (adapter.Handle, error) {
			return s.handle, nil
		},
		FuncQueryState: func(context.Context, adapter.Handle) (adapter.EscrowState, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			state := adapter.EscrowState{Status: s.status, Locked: big.NewInt(1_000_000)}
			if s.status == adapter.StatusRedeemed {
				state.Secret = append([]byte{}, s.secret...)
			}
			return state, nil
		},
		FuncRedeem: func(_ context.Context, _ adapter.Handle, secret []byte) (string, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.lastSecret = append([]byte{}, secret...)
			if s.redeemErr != nil {
				return "", s.redeemErr
			}
			s.status = adapter.StatusRedeemed
			s.secret = append([]byte{}, secret...)
			return "tx-redeem", nil
		},
		FuncCancel: func(context.Context, adapter.Handle) (string, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.cancelErr != nil {
				return "", s.cancelErr
			}
			s.status = adapter.StatusCancelled
			return "tx-refund", nil
		},
		FuncCurrentChainTime: func(context.Context) (adapter.ChainTime, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.height, nil
		},
	}
}

var _ = Describe("Coordinator", func() {
	var (
		btc *mock.SimChain
		eth *mock.SimChain
		co  coordinator.Coordinator
	)

	newCoordinator := func() coordinator.Coordinator {
		c, err := coordinator.New(zap.NewNop(), btc, eth, mock.NewStore(), store.NewInMemActionStore(), 10*time.Millisecond)
		Expect(err).Should(BeNil())
		return c
	}

	BeforeEach(func() {
		btc = mock.NewSimChain(model.BitcoinRegtest)
		eth = mock.NewSimChain(model.EthereumLocal)
	})

	AfterEach(func() {
		if co != nil {
			co.Stop()
			co = nil
		}
	})

	Describe("construction", func() {
		It("should reject adapters advertising different lock digests", func() {
			eth = mock.NewSimChain(model.EthereumLocal).WithLockDigest("keccak256")
			_, err := coordinator.New(zap.NewNop(), btc, eth, mock.NewStore(), store.NewInMemActionStore(), time.Second)
			Expect(err).ShouldNot(BeNil())
		})
	})

	Describe("submitting orders", func() {
		It("should reject a duplicated order id", func() {
			co = newCoordinator()
			order := newOrder(1, 1, 100_000)
			_, err := co.Submit(order)
			Expect(err).Should(BeNil())
			_, err = co.Submit(order)
			Expect(err).ShouldNot(BeNil())
		})

		It("should reject an order whose pair does not match the adapters", func() {
			co = newCoordinator()
			order := newOrder(2, 1, 100_000)
			order.SourceAsset.Chain = model.EthereumLocal
			order.DestAsset.Chain = model.BitcoinRegtest
			_, err := co.Submit(order)
			Expect(err).ShouldNot(BeNil())
		})
	})

	Describe("assigning tranches", func() {
		It("should reject a source timelock not exceeding the destination timelock", func() {
			co = newCoordinator()
			_, err := co.Submit(newOrder(3, 1, 100_000))
			Expect(err).Should(BeNil())

			params := trancheParams(100_000)
			params.SourceTimelock = 500
			params.DestTimelock = 500
			_, err = co.Fill(3, params)
			Expect(err).Should(MatchError(session.ErrTimelockOrdering))
		})

		It("should reject fills beyond the order total", func() {
			co = newCoordinator()
			_, err := co.Submit(newOrder(4, 2, 100_000))
			Expect(err).Should(BeNil())

			_, err = co.Fill(4, trancheParams(70_000))
			Expect(err).Should(BeNil())
			_, err = co.Fill(4, trancheParams(40_000))
			Expect(err).Should(MatchError(session.ErrOverAllocation))
		})
	})

	Describe("driving a single fill to completion", func() {
		It("should fund both legs, release the secret and redeem source before destination", func() {
			btc.AutoConfirm = true
			eth.AutoConfirm = true
			co = newCoordinator()
			Expect(co.Start()).Should(BeNil())

			_, err := co.Submit(newOrder(10, 1, 100_000))
			Expect(err).Should(BeNil())
			index, err := co.Fill(10, trancheParams(100_000))
			Expect(err).Should(BeNil())
			Expect(index).Should(Equal(0))

			sess, ok := co.Session(10)
			Expect(ok).Should(BeTrue())

			By("completing the tranche once both redemptions are observed")
			Eventually(func() session.Phase {
				return phaseOf(sess, index)
			}, 3*time.Second, 10*time.Millisecond).Should(Equal(session.Completed))

			sourceHandle, destHandle := handlesOf(sess, index)
			Expect(btc.Status(sourceHandle)).Should(Equal(adapter.StatusRedeemed))
			Expect(eth.Status(destHandle)).Should(Equal(adapter.StatusRedeemed))

			By("destroying the secret material once the session is terminal")
			Eventually(func() error {
				_, err := sess.Secrets.Reveal(index)
				return err
			}, 3*time.Second, 10*time.Millisecond).Should(MatchError(secret.ErrDestroyed))

			By("emitting the lifecycle events")
			Eventually(func() map[coordinator.EventType]int {
				return drainEvents(co)
			}, 3*time.Second, 10*time.Millisecond).Should(SatisfyAll(
				HaveKey(coordinator.EventSessionCompleted),
			))
		})
	})

	Describe("withholding the secret", func() {
		It("should refuse to reveal until both legs are funded", func() {
			co = newCoordinator()
			Expect(co.Start()).Should(BeNil())

			_, err := co.Submit(newOrder(11, 1, 100_000))
			Expect(err).Should(BeNil())
			index, err := co.Fill(11, trancheParams(100_000))
			Expect(err).Should(BeNil())

			sess, _ := co.Session(11)
			Eventually(func() adapter.Handle {
				_, destHandle := handlesOf(sess, index)
				return destHandle
			}, 3*time.Second, 10*time.Millisecond).ShouldNot(BeEmpty())

			By("funding only the destination leg")
			_, destHandle := handlesOf(sess, index)
			Expect(eth.ConfirmFunding(destHandle)).Should(BeNil())
			Eventually(func() escrow.State {
				return legStateOf(sess, index, escrow.RoleDestination)
			}, 3*time.Second, 10*time.Millisecond).Should(Equal(escrow.Funded))

			_, err = sess.Secrets.Reveal(index)
			Expect(err).Should(MatchError(secret.ErrPrematureReveal))
		})
	})

	Describe("refunding on timeout", func() {
		It("should cancel the funded leg, abandon the pending leg and free the amount for a fresh index", func() {
			co = newCoordinator()
			Expect(co.Start()).Should(BeNil())

			_, err := co.Submit(newOrder(12, 2, 100_000))
			Expect(err).Should(BeNil())
			index, err := co.Fill(12, trancheParams(100_000))
			Expect(err).Should(BeNil())

			sess, _ := co.Session(12)
			Eventually(func() adapter.Handle {
				_, destHandle := handlesOf(sess, index)
				return destHandle
			}, 3*time.Second, 10*time.Millisecond).ShouldNot(BeEmpty())

			By("funding only the destination leg and letting both timelocks pass")
			_, destHandle := handlesOf(sess, index)
			Expect(eth.ConfirmFunding(destHandle)).Should(BeNil())
			btc.Advance(2000)
			eth.Advance(2000)

			Eventually(func() session.Phase {
				return phaseOf(sess, index)
			}, 3*time.Second, 10*time.Millisecond).Should(Equal(session.Failed))
			Expect(eth.Status(destHandle)).Should(Equal(adapter.StatusCancelled))
			Expect(legStateOf(sess, index, escrow.RoleSource)).Should(Equal(escrow.Cancelled))

			By("accepting a new fill for the released amount under the next leaf index")
			params := trancheParams(100_000)
			params.SourceTimelock = 5000
			params.DestTimelock = 4000
			nextIndex, err := co.Fill(12, params)
			Expect(err).Should(BeNil())
			Expect(nextIndex).Should(Equal(index + 1))
		})
	})

	Describe("idempotent escrow creation", func() {
		It("should never re-issue the funding call for an escrow it already created", func() {
			co = newCoordinator()
			Expect(co.Start()).Should(BeNil())

			_, err := co.Submit(newOrder(13, 1, 100_000))
			Expect(err).Should(BeNil())
			index, err := co.Fill(13, trancheParams(100_000))
			Expect(err).Should(BeNil())

			sess, _ := co.Session(13)
			Eventually(func() adapter.Handle {
				sourceHandle, _ := handlesOf(sess, index)
				return sourceHandle
			}, 3*time.Second, 10*time.Millisecond).ShouldNot(BeEmpty())

			By("letting the loop poll the unfunded escrows for a while")
			time.Sleep(200 * time.Millisecond)

			sourceHandle, destHandle := handlesOf(sess, index)
			Expect(btc.CreateCalls(sourceHandle)).Should(Equal(1))
			Expect(eth.CreateCalls(destHandle)).Should(Equal(1))
			Expect(btc.EscrowCount()).Should(Equal(1))
			Expect(eth.EscrowCount()).Should(Equal(1))
		})
	})

	Describe("partial fills", func() {
		It("should complete an order across independent tranches and report a full fill", func() {
			btc.AutoConfirm = true
			eth.AutoConfirm = true
			co = newCoordinator()
			Expect(co.Start()).Should(BeNil())

			_, err := co.Submit(newOrder(14, 2, 100_000))
			Expect(err).Should(BeNil())

			first, err := co.Fill(14, trancheParams(60_000))
			Expect(err).Should(BeNil())
			second, err := co.Fill(14, trancheParams(40_000))
			Expect(err).Should(BeNil())
			Expect(second).Should(Equal(first + 1))

			sess, _ := co.Session(14)
			Eventually(func() session.Phase {
				return phaseOf(sess, first)
			}, 3*time.Second, 10*time.Millisecond).Should(Equal(session.Completed))
			Eventually(func() session.Phase {
				return phaseOf(sess, second)
			}, 3*time.Second, 10*time.Millisecond).Should(Equal(session.Completed))

			Eventually(func() float64 {
				sess.Lock()
				defer sess.Unlock()
				return sess.FilledFraction()
			}, 3*time.Second, 10*time.Millisecond).Should(Equal(1.0))

			Eventually(func() map[coordinator.EventType]int {
				return drainEvents(co)
			}, 3*time.Second, 10*time.Millisecond).Should(HaveKey(coordinator.EventSessionCompleted))
		})
	})

	Describe("secret release ordering under random funding interleavings", func() {
		It("should only ever reveal a tranche's secret after its own dual funding", func() {
			co = newCoordinator()
			Expect(co.Start()).Should(BeNil())

			_, err := co.Submit(newOrder(17, 3, 90_000))
			Expect(err).Should(BeNil())

			sess, _ := co.Session(17)
			for i := 0; i < 3; i++ {
				index, err := co.Fill(17, trancheParams(30_000))
				Expect(err).Should(BeNil())

				Eventually(func() adapter.Handle {
					_, destHandle := handlesOf(sess, index)
					return destHandle
				}, 3*time.Second, 10*time.Millisecond).ShouldNot(BeEmpty())
				sourceHandle, destHandle := handlesOf(sess, index)

				first, firstChain := sourceHandle, btc
				second, secondChain := destHandle, eth
				firstRole := escrow.RoleSource
				if rand.Intn(2) == 0 {
					first, firstChain, second, secondChain = destHandle, eth, sourceHandle, btc
					firstRole = escrow.RoleDestination
				}

				By("funding one leg and checking the secret stays withheld")
				Expect(firstChain.ConfirmFunding(first)).Should(BeNil())
				Eventually(func() escrow.State {
					return legStateOf(sess, index, firstRole)
				}, 3*time.Second, 10*time.Millisecond).Should(Equal(escrow.Funded))
				_, err = sess.Secrets.Reveal(index)
				Expect(err).Should(MatchError(secret.ErrPrematureReveal))

				By("funding the other leg and watching the tranche complete")
				Expect(secondChain.ConfirmFunding(second)).Should(BeNil())
				Eventually(func() session.Phase {
					return phaseOf(sess, index)
				}, 3*time.Second, 10*time.Millisecond).Should(Equal(session.Completed))
			}

			Eventually(func() bool {
				sess.Lock()
				defer sess.Unlock()
				return sess.Terminal()
			}, 3*time.Second, 10*time.Millisecond).Should(BeTrue())
		})
	})

	Describe("cancelling sessions", func() {
		It("should cancel a session while nothing is funded", func() {
			co = newCoordinator()
			_, err := co.Submit(newOrder(15, 1, 100_000))
			Expect(err).Should(BeNil())
			_, err = co.Fill(15, trancheParams(100_000))
			Expect(err).Should(BeNil())

			Expect(co.Cancel(15)).Should(BeNil())
			sess, _ := co.Session(15)
			sess.Lock()
			defer sess.Unlock()
			Expect(sess.Cancelled()).Should(BeTrue())
			Expect(sess.Terminal()).Should(BeTrue())
		})

		It("should refuse to cancel once a leg holds funds", func() {
			co = newCoordinator()
			Expect(co.Start()).Should(BeNil())

			_, err := co.Submit(newOrder(16, 1, 100_000))
			Expect(err).Should(BeNil())
			index, err := co.Fill(16, trancheParams(100_000))
			Expect(err).Should(BeNil())

			sess, _ := co.Session(16)
			Eventually(func() adapter.Handle {
				sourceHandle, _ := handlesOf(sess, index)
				return sourceHandle
			}, 3*time.Second, 10*time.Millisecond).ShouldNot(BeEmpty())

			sourceHandle, _ := handlesOf(sess, index)
			Expect(btc.ConfirmFunding(sourceHandle)).Should(BeNil())
			Eventually(func() escrow.State {
				return legStateOf(sess, index, escrow.RoleSource)
			}, 3*time.Second, 10*time.Millisecond).Should(Equal(escrow.Funded))

			Expect(co.Cancel(16)).Should(MatchError(session.ErrCancelAfterFunding))
		})

		It("should serialize an external cancel against in-flight chain polls", func() {
			slowClock := func(context.Context) (adapter.ChainTime, error) {
				time.Sleep(5 * time.Millisecond)
				return 0, nil
			}
			src := &mock.ChainAdapter{
				FuncChain: func() model.Chain { return model.BitcoinRegtest },
				FuncCreateAndFund: func(context.Context, adapter.FundingParams) (adapter.Handle, error) {
					return "src-htlc", nil
				},
				FuncCurrentChainTime: slowClock,
			}
			dst := &mock.ChainAdapter{
				FuncCreateAndFund: func(context.Context, adapter.FundingParams) (adapter.Handle, error) {
					return "dst-escrow", nil
				},
				FuncCurrentChainTime: slowClock,
			}
			c, err := coordinator.New(zap.NewNop(), src, dst, mock.NewStore(), store.NewInMemActionStore(), 10*time.Millisecond)
			Expect(err).Should(BeNil())
			co = c
			Expect(co.Start()).Should(BeNil())

			_, err = co.Submit(newOrder(18, 1, 100_000))
			Expect(err).Should(BeNil())
			index, err := co.Fill(18, trancheParams(100_000))
			Expect(err).Should(BeNil())

			sess, _ := co.Session(18)
			Eventually(func() adapter.Handle {
				_, destHandle := handlesOf(sess, index)
				return destHandle
			}, 3*time.Second, 10*time.Millisecond).ShouldNot(BeEmpty())

			By("cancelling while the loop sits inside a timelock poll")
			time.Sleep(15 * time.Millisecond)
			Expect(co.Cancel(18)).Should(BeNil())

			Eventually(func() bool {
				sess.Lock()
				defer sess.Unlock()
				return sess.Terminal()
			}, 3*time.Second, 10*time.Millisecond).Should(BeTrue())
			Expect(legStateOf(sess, index, escrow.RoleSource)).Should(Equal(escrow.Cancelled))
			Expect(legStateOf(sess, index, escrow.RoleDestination)).Should(Equal(escrow.Cancelled))
		})
	})

	Describe("resuming after a restart", func() {
		It("should rehydrate live tranches from the store and complete them with the persisted secrets", func() {
			db, err := gorm.Open(sqlite.Open(filepath.Join(GinkgoT().TempDir(), "gardend.db")), &gorm.Config{
				Logger: logger.Default.LogMode(logger.Silent),
			})
			Expect(err).Should(BeNil())
			storage, err := store.NewStore(db)
			Expect(err).Should(BeNil())
			actions := store.NewInMemActionStore()

			first, err := coordinator.New(zap.NewNop(), btc, eth, storage, actions, 10*time.Millisecond)
			Expect(err).Should(BeNil())
			Expect(first.Start()).Should(BeNil())

			_, err = first.Submit(newOrder(19, 2, 100_000))
			Expect(err).Should(BeNil())
			index, err := first.Fill(19, trancheParams(100_000))
			Expect(err).Should(BeNil())

			sess, _ := first.Session(19)
			Eventually(func() adapter.Handle {
				_, destHandle := handlesOf(sess, index)
				return destHandle
			}, 3*time.Second, 10*time.Millisecond).ShouldNot(BeEmpty())
			Eventually(func() uint8 {
				rows, err := storage.EscrowsByOrder(19)
				if err != nil || len(rows) == 0 {
					return 0
				}
				return rows[0].Phase
			}, 3*time.Second, 10*time.Millisecond).Should(Equal(uint8(session.AwaitingDualFunding)))
			sourceHandle, destHandle := handlesOf(sess, index)
			first.Stop()

			By("starting a fresh coordinator over the same store and chains")
			second, err := coordinator.New(zap.NewNop(), btc, eth, storage, actions, 10*time.Millisecond)
			Expect(err).Should(BeNil())
			co = second
			Expect(co.Start()).Should(BeNil())

			restored, ok := co.Session(19)
			Expect(ok).Should(BeTrue())
			restoredSource, restoredDest := handlesOf(restored, index)
			Expect(restoredSource).Should(Equal(sourceHandle))
			Expect(restoredDest).Should(Equal(destHandle))
			Expect(phaseOf(restored, index)).Should(Equal(session.AwaitingDualFunding))

			By("adopting the existing escrows instead of creating them again")
			Expect(btc.EscrowCount()).Should(Equal(1))
			Expect(eth.EscrowCount()).Should(Equal(1))

			By("completing the tranche with the restored secret material")
			Expect(btc.ConfirmFunding(sourceHandle)).Should(BeNil())
			Expect(eth.ConfirmFunding(destHandle)).Should(BeNil())
			Eventually(func() session.Phase {
				return phaseOf(restored, index)
			}, 3*time.Second, 10*time.Millisecond).Should(Equal(session.Completed))
			Expect(btc.Status(sourceHandle)).Should(Equal(adapter.StatusRedeemed))
			Expect(eth.Status(destHandle)).Should(Equal(adapter.StatusRedeemed))
		})
	})

	Describe("terminal races the chain resolves", func() {
		It("should unwind a tranche whose destination was refunded during redemption", func() {
			src := &scriptedLeg{chain: model.BitcoinRegtest, handle: "src-htlc", status: adapter.StatusFunded}
			dst := &scriptedLeg{
				chain:     model.EthereumLocal,
				handle:    "dst-escrow",
				status:    adapter.StatusFunded,
				redeemErr: adapter.NewTransientError(fmt.Errorf("nonce too low")),
			}
			c, err := coordinator.New(zap.NewNop(), src.adapter(), dst.adapter(), mock.NewStore(), store.NewInMemActionStore(), 10*time.Millisecond)
			Expect(err).Should(BeNil())
			co = c
			Expect(co.Start()).Should(BeNil())

			_, err = co.Submit(newOrder(20, 1, 100_000))
			Expect(err).Should(BeNil())
			index, err := co.Fill(20, trancheParams(100_000))
			Expect(err).Should(BeNil())
			sess, _ := co.Session(20)

			By("reaching secret release and redeeming the source leg")
			Eventually(func() escrow.State {
				return legStateOf(sess, index, escrow.RoleSource)
			}, 3*time.Second, 10*time.Millisecond).Should(Equal(escrow.Redeemed))

			By("the maker's refund landing on the destination before our redeem")
			dst.setHeight(10_000)
			dst.setStatus(adapter.StatusCancelled, nil)

			Eventually(func() session.Phase {
				return phaseOf(sess, index)
			}, 3*time.Second, 10*time.Millisecond).Should(Equal(session.Failed))
			Expect(legStateOf(sess, index, escrow.RoleDestination)).Should(Equal(escrow.Cancelled))
			Expect(legStateOf(sess, index, escrow.RoleSource)).Should(Equal(escrow.Redeemed))

			Eventually(func() map[coordinator.EventType]int {
				return drainEvents(co)
			}, 3*time.Second, 10*time.Millisecond).Should(HaveKey(coordinator.EventTrancheRefunded))
		})

		It("should accept a redeem that lands while the refund is being attempted", func() {
			src := &scriptedLeg{
				chain:     model.BitcoinRegtest,
				handle:    "src-htlc",
				status:    adapter.StatusFunded,
				redeemErr: adapter.NewTransientError(fmt.Errorf("mempool conflict")),
				cancelErr: adapter.NewTransientError(fmt.Errorf("mempool conflict")),
			}
			dst := &scriptedLeg{
				chain:     model.EthereumLocal,
				handle:    "dst-escrow",
				status:    adapter.StatusFunded,
				redeemErr: adapter.NewTransientError(fmt.Errorf("nonce too low")),
			}
			c, err := coordinator.New(zap.NewNop(), src.adapter(), dst.adapter(), mock.NewStore(), store.NewInMemActionStore(), 10*time.Millisecond)
			Expect(err).Should(BeNil())
			co = c
			Expect(co.Start()).Should(BeNil())

			_, err = co.Submit(newOrder(21, 1, 100_000))
			Expect(err).Should(BeNil())
			index, err := co.Fill(21, trancheParams(100_000))
			Expect(err).Should(BeNil())
			sess, _ := co.Session(21)

			By("stalling both redemptions until the source timelock elapses")
			Eventually(func() []byte {
				return src.capturedSecret()
			}, 3*time.Second, 10*time.Millisecond).ShouldNot(BeEmpty())
			src.setHeight(2_000)
			dst.setHeight(2_000)
			Eventually(func() session.Phase {
				return phaseOf(sess, index)
			}, 3*time.Second, 10*time.Millisecond).Should(Equal(session.Refunding))

			By("the counterparty's redeem confirming before our refund")
			src.setStatus(adapter.StatusRedeemed, src.capturedSecret())

			Eventually(func() session.Phase {
				return phaseOf(sess, index)
			}, 3*time.Second, 10*time.Millisecond).Should(Equal(session.Failed))
			Expect(legStateOf(sess, index, escrow.RoleSource)).Should(Equal(escrow.Redeemed))
			Expect(legStateOf(sess, index, escrow.RoleDestination)).Should(Equal(escrow.Cancelled))

			Eventually(func() map[coordinator.EventType]int {
				return drainEvents(co)
			}, 3*time.Second, 10*time.Millisecond).Should(HaveKey(coordinator.EventTrancheRefunded))
		})
	})
})
