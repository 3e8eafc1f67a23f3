package btcadapter

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// secretSize is audited by the script so a redeemer cannot present a preimage
// longer than the other chain's data limit allows.
const secretSize = 32

// HTLC is the script-locked contract for one bitcoin leg. The output pays to
// a p2wsh address of Script, spendable by the redeemer with the sha256
// preimage or by the funder after the absolute locktime.
type HTLC struct {
	Network    *chaincfg.Params
	Funder     btcutil.Address
	Redeemer   btcutil.Address
	SecretHash [sha256.Size]byte
	LockTime   uint64
	Amount     int64
	Script     []byte
	Address    btcutil.Address
}

func NewHTLC(network *chaincfg.Params, funder, redeemer btcutil.Address, secretHash [sha256.Size]byte, lockTime uint64, amount int64) (HTLC, error) {
	script, err := htlcScript(funder.ScriptAddress(), redeemer.ScriptAddress(), secretHash[:], int64(lockTime))
	if err != nil {
		return HTLC{}, fmt.Errorf("failed building htlc script, err : %v", err)
	}
	scriptHash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], network)
	if err != nil {
		return HTLC{}, fmt.Errorf("failed deriving p2wsh address, err : %v", err)
	}
	return HTLC{
		Network:    network,
		Funder:     funder,
		Redeemer:   redeemer,
		SecretHash: secretHash,
		LockTime:   lockTime,
		Amount:     amount,
		Script:     script,
		Address:    addr,
	}, nil
}

// htlcScript builds the canonical atomic swap contract.
//
//	OP_IF
//	  OP_SIZE 32 OP_EQUALVERIFY
//	  OP_SHA256 <secretHash> OP_EQUALVERIFY
//	  OP_DUP OP_HASH160 <redeemer pkh>
//	OP_ELSE
//	  <locktime> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	  OP_DUP OP_HASH160 <funder pkh>
//	OP_ENDIF
//	OP_EQUALVERIFY OP_CHECKSIG
func htlcScript(funderPKH, redeemerPKH, secretHash []byte, lockTime int64) ([]byte, error) {
	b := txscript.NewScriptBuilder()

	b.AddOp(txscript.OP_IF)
	{
		b.AddOp(txscript.OP_SIZE)
		b.AddInt64(secretSize)
		b.AddOp(txscript.OP_EQUALVERIFY)

		b.AddOp(txscript.OP_SHA256)
		b.AddData(secretHash)
		b.AddOp(txscript.OP_EQUALVERIFY)

		b.AddOp(txscript.OP_DUP)
		b.AddOp(txscript.OP_HASH160)
		b.AddData(redeemerPKH)
	}
	b.AddOp(txscript.OP_ELSE)
	{
		b.AddInt64(lockTime)
		b.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
		b.AddOp(txscript.OP_DROP)

		b.AddOp(txscript.OP_DUP)
		b.AddOp(txscript.OP_HASH160)
		b.AddData(funderPKH)
	}
	b.AddOp(txscript.OP_ENDIF)

	b.AddOp(txscript.OP_EQUALVERIFY)
	b.AddOp(txscript.OP_CHECKSIG)

	return b.Script()
}

// ExtractSecret scans a spending witness for the sha256 preimage of the hash
// commitment. The redeem path necessarily discloses the secret on chain, so a
// spend without it must be the refund path.
func ExtractSecret(witness [][]byte, secretHash [sha256.Size]byte) ([]byte, bool) {
	for _, item := range witness {
		if len(item) != secretSize {
			continue
		}
		if sha256.Sum256(item) == secretHash {
			return item, true
		}
	}
	return nil, false
}
