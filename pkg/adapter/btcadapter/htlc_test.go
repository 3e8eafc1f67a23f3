package btcadapter_test

import (
	"crypto/rand"
	"crypto/sha256"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/catalogfi/gardend/pkg/adapter/btcadapter"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func randomAddress(params *chaincfg.Params) btcutil.Address {
	key, err := btcec.NewPrivateKey()
	Expect(err).Should(BeNil())
	pkh := btcutil.Hash160(key.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pkh, params)
	Expect(err).Should(BeNil())
	return addr
}

var _ = Describe("Bitcoin HTLC", func() {
	Context("when building the lock script", func() {
		It("should produce the canonical atomic swap contract", func() {
			params := &chaincfg.RegressionNetParams
			funder, redeemer := randomAddress(params), randomAddress(params)

			secret := make([]byte, 32)
			_, err := rand.Read(secret)
			Expect(err).Should(BeNil())
			secretHash := sha256.Sum256(secret)

			htlc, err := btcadapter.NewHTLC(params, funder, redeemer, secretHash, 144, 100_000)
			Expect(err).Should(BeNil())

			pushes, err := txscript.ExtractAtomicSwapDataPushes(0, htlc.Script)
			Expect(err).Should(BeNil())
			Expect(pushes).ShouldNot(BeNil())
			Expect(pushes.SecretHash[:]).Should(Equal(secretHash[:]))
			Expect(pushes.SecretSize).Should(Equal(int64(32)))
			Expect(pushes.LockTime).Should(Equal(int64(144)))
			Expect(pushes.RecipientHash160[:]).Should(Equal(redeemer.ScriptAddress()))
			Expect(pushes.RefundHash160[:]).Should(Equal(funder.ScriptAddress()))
		})

		It("should derive the same p2wsh address for the same parameters", func() {
			params := &chaincfg.RegressionNetParams
			funder, redeemer := randomAddress(params), randomAddress(params)
			secretHash := sha256.Sum256([]byte("fixed"))

			first, err := btcadapter.NewHTLC(params, funder, redeemer, secretHash, 144, 100_000)
			Expect(err).Should(BeNil())
			second, err := btcadapter.NewHTLC(params, funder, redeemer, secretHash, 144, 100_000)
			Expect(err).Should(BeNil())
			Expect(first.Address.EncodeAddress()).Should(Equal(second.Address.EncodeAddress()))

			By("a different hash commitment should land on a different address")
			otherHash := sha256.Sum256([]byte("other"))
			third, err := btcadapter.NewHTLC(params, funder, redeemer, otherHash, 144, 100_000)
			Expect(err).Should(BeNil())
			Expect(third.Address.EncodeAddress()).ShouldNot(Equal(first.Address.EncodeAddress()))
		})
	})

	Context("when inspecting a spending witness", func() {
		It("should extract the secret from the redeem path", func() {
			secret := make([]byte, 32)
			_, err := rand.Read(secret)
			Expect(err).Should(BeNil())
			secretHash := sha256.Sum256(secret)

			witness := [][]byte{{0x30, 0x45}, {0x02, 0x21}, secret, {0x01}}
			got, ok := btcadapter.ExtractSecret(witness, secretHash)
			Expect(ok).Should(BeTrue())
			Expect(got).Should(Equal(secret))
		})

		It("should not find a secret in the refund path", func() {
			secretHash := sha256.Sum256([]byte("never disclosed"))
			witness := [][]byte{{0x30, 0x45}, {0x02, 0x21}, {}}
			_, ok := btcadapter.ExtractSecret(witness, secretHash)
			Expect(ok).Should(BeFalse())
		})
	})
})
