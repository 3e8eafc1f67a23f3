package store_test

import (
	"encoding/hex"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	"github.com/catalogfi/gardend/pkg/escrow"
	"github.com/catalogfi/gardend/pkg/model"
	"github.com/catalogfi/gardend/pkg/secret"
	"github.com/catalogfi/gardend/pkg/session"
	"github.com/catalogfi/gardend/pkg/store"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newSession(id uint64) *session.Session {
	order := model.SwapOrder{
		ID:    id,
		Maker: "0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
		SourceAsset: model.Asset{
			Chain:  model.BitcoinRegtest,
			Token:  "BTC",
			Amount: big.NewInt(200_000),
		},
		DestAsset: model.Asset{
			Chain:  model.EthereumLocal,
			Token:  "WBTC",
			Amount: big.NewInt(100_000),
		},
		CreatedAt: time.Now(),
		Expiry:    time.Now().Add(time.Hour),
		Fill:      model.PartialFill(2),
	}
	secrets, err := secret.Generate(order)
	Expect(err).Should(BeNil())
	sess, err := session.New(order, secrets)
	Expect(err).Should(BeNil())
	return sess
}

var _ = Describe("Store", func() {
	var storage store.Store

	BeforeEach(func() {
		db, err := gorm.Open(sqlite.Open(filepath.Join(GinkgoT().TempDir(), "gardend.db")), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		Expect(err).Should(BeNil())
		storage, err = store.NewStore(db)
		Expect(err).Should(BeNil())
	})

	It("should persist a session and list it back", func() {
		sess := newSession(1)
		Expect(storage.PutSession(sess)).Should(BeNil())

		records, err := storage.Sessions()
		Expect(err).Should(BeNil())
		Expect(records).Should(HaveLen(1))
		Expect(records[0].OrderID).Should(Equal(uint64(1)))
		Expect(records[0].MerkleRoot).Should(HaveLen(64))
		Expect(records[0].Parts).Should(Equal(uint32(2)))

		record, err := storage.SessionByOrderID(1)
		Expect(err).Should(BeNil())
		Expect(record.DestAmount).Should(Equal("100000"))
	})

	It("should reject duplicated order ids", func() {
		Expect(storage.PutSession(newSession(2))).Should(BeNil())
		Expect(storage.PutSession(newSession(2))).ShouldNot(BeNil())
	})

	It("should persist both legs of a tranche and apply updates", func() {
		sess := newSession(3)
		Expect(storage.PutSession(sess)).Should(BeNil())

		sess.Lock()
		tranche, err := sess.AssignTranche(session.TrancheParams{
			Amount:         big.NewInt(60_000),
			Counterparty:   "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
			SourceTimelock: 1000,
			DestTimelock:   500,
		})
		sess.Unlock()
		Expect(err).Should(BeNil())
		Expect(storage.PutTranche(3, tranche)).Should(BeNil())

		escrows, err := storage.EscrowsByOrder(3)
		Expect(err).Should(BeNil())
		Expect(escrows).Should(HaveLen(2))
		Expect(escrows[0].HashCommitment).Should(Equal(escrows[1].HashCommitment))

		By("updating the handle, state and phase of a leg")
		Expect(storage.UpdateEscrowHandle(3, 0, escrow.RoleSource, "bcrt1qhandle", "txid")).Should(BeNil())
		Expect(storage.UpdateEscrowState(3, 0, escrow.RoleSource, escrow.Funded)).Should(BeNil())
		Expect(storage.UpdateTranchePhase(3, 0, session.Refunding, errors.New("dual funding timed out"))).Should(BeNil())

		escrows, err = storage.EscrowsByOrder(3)
		Expect(err).Should(BeNil())
		for _, leg := range escrows {
			Expect(leg.Phase).Should(Equal(uint8(session.Refunding)))
			Expect(leg.Error).Should(ContainSubstring("timed out"))
			if leg.Role == string(escrow.RoleSource) {
				Expect(leg.Handle).Should(Equal("bcrt1qhandle"))
				Expect(leg.TxHash).Should(Equal("txid"))
				Expect(leg.State).Should(Equal(uint(escrow.Funded)))
			}
		}
	})

	It("should track the completed amount of a session", func() {
		sess := newSession(4)
		Expect(storage.PutSession(sess)).Should(BeNil())
		Expect(storage.UpdateFilled(4, "60000", false)).Should(BeNil())

		record, err := storage.SessionByOrderID(4)
		Expect(err).Should(BeNil())
		Expect(record.CompletedAmount).Should(Equal("60000"))
		Expect(record.Terminal).Should(BeFalse())
	})

	It("should persist the secret material while the session is live and clear it afterwards", func() {
		sess := newSession(5)
		Expect(storage.PutSession(sess)).Should(BeNil())

		record, err := storage.SessionByOrderID(5)
		Expect(err).Should(BeNil())
		Expect(record.Secrets).ShouldNot(BeEmpty())

		By("the stored secrets round-tripping into an equivalent set")
		parts := strings.Split(record.Secrets, ",")
		Expect(parts).Should(HaveLen(3))
		raw := make([][]byte, 0, len(parts))
		for _, part := range parts {
			decoded, err := hex.DecodeString(part)
			Expect(err).Should(BeNil())
			raw = append(raw, decoded)
		}
		restored, err := secret.Restore(raw)
		Expect(err).Should(BeNil())
		Expect(restored.MerkleRoot()).Should(Equal(sess.Secrets.MerkleRoot()))

		By("clearing the column once the session is terminal")
		Expect(storage.ClearSecrets(5)).Should(BeNil())
		record, err = storage.SessionByOrderID(5)
		Expect(err).Should(BeNil())
		Expect(record.Secrets).Should(BeEmpty())
	})

	It("should mark a session cancelled", func() {
		sess := newSession(6)
		Expect(storage.PutSession(sess)).Should(BeNil())
		Expect(storage.SetCancelled(6)).Should(BeNil())

		record, err := storage.SessionByOrderID(6)
		Expect(err).Should(BeNil())
		Expect(record.Cancelled).Should(BeTrue())
	})
})
