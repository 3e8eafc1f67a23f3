package btcadapter

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
)

const dustLimit = 546

// WalletIndexer extends the adapter's read-only indexer view with what the
// wallet needs to source utxos and broadcast.
type WalletIndexer interface {
	IndexerClient

	GetUTXOs(ctx context.Context, addr btcutil.Address) ([]UTXO, error)

	SubmitTx(ctx context.Context, tx *wire.MsgTx) (string, error)
}

type wallet struct {
	network *chaincfg.Params
	key     *btcec.PrivateKey
	addr    *btcutil.AddressWitnessPubKeyHash
	indexer WalletIndexer
	feeRate int64 // sats per vbyte
	logger  *zap.Logger
}

// NewWallet builds a p2wpkh wallet around a single key. It funds escrows from
// its own utxos and sweeps redeems and refunds back to its own address.
func NewWallet(network *chaincfg.Params, key *btcec.PrivateKey, indexer WalletIndexer, feeRate int64, logger *zap.Logger) (Wallet, error) {
	if feeRate <= 0 {
		return nil, fmt.Errorf("fee rate must be positive")
	}
	pubKeyHash := btcutil.Hash160(key.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, network)
	if err != nil {
		return nil, fmt.Errorf("failed deriving wallet address, err : %v", err)
	}
	return &wallet{
		network: network,
		key:     key,
		addr:    addr,
		indexer: indexer,
		feeRate: feeRate,
		logger:  logger,
	}, nil
}

func (w *wallet) Address() btcutil.Address {
	return w.addr
}

// Fund pays the htlc amount into the contract's p2wsh address from the
// wallet's own utxos.
func (w *wallet) Fund(ctx context.Context, htlc HTLC) (string, error) {
	utxos, err := w.indexer.GetUTXOs(ctx, w.addr)
	if err != nil {
		return "", err
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	htlcScript, err := txscript.PayToAddrScript(htlc.Address)
	if err != nil {
		return "", fmt.Errorf("failed building htlc pay script, err : %v", err)
	}
	tx.AddTxOut(wire.NewTxOut(htlc.Amount, htlcScript))

	walletScript, err := txscript.PayToAddrScript(w.addr)
	if err != nil {
		return "", fmt.Errorf("failed building wallet pay script, err : %v", err)
	}

	// Coin selection is largest-first until the target plus fee is covered.
	fee := w.estimateFee(len(utxos), 2)
	selected, total, err := selectUTXOs(utxos, htlc.Amount+fee)
	if err != nil {
		return "", err
	}
	fee = w.estimateFee(len(selected), 2)

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, utxo := range selected {
		hash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return "", fmt.Errorf("failed to decode utxo txid, err : %v", err)
		}
		outpoint := wire.NewOutPoint(hash, utxo.Vout)
		tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
		fetcher.AddPrevOut(*outpoint, wire.NewTxOut(utxo.Value, walletScript))
	}

	change := total - htlc.Amount - fee
	if change > dustLimit {
		tx.AddTxOut(wire.NewTxOut(change, walletScript))
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, utxo := range selected {
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, utxo.Value,
			walletScript, txscript.SigHashAll, w.key, true)
		if err != nil {
			return "", fmt.Errorf("failed signing input %v, err : %v", i, err)
		}
		tx.TxIn[i].Witness = witness
	}

	return w.indexer.SubmitTx(ctx, tx)
}

// Redeem spends the htlc output through the secret path back to the wallet.
func (w *wallet) Redeem(ctx context.Context, htlc HTLC, secret []byte) (string, error) {
	return w.spendHTLC(ctx, htlc, func(tx *wire.MsgTx, sig []byte) wire.TxWitness {
		return wire.TxWitness{sig, w.key.PubKey().SerializeCompressed(), secret, {0x01}, htlc.Script}
	}, 0)
}

// Refund spends the htlc output through the timelock path back to the wallet.
// The locktime must be set on the transaction for the cltv branch to verify.
func (w *wallet) Refund(ctx context.Context, htlc HTLC) (string, error) {
	return w.spendHTLC(ctx, htlc, func(tx *wire.MsgTx, sig []byte) wire.TxWitness {
		return wire.TxWitness{sig, w.key.PubKey().SerializeCompressed(), nil, htlc.Script}
	}, htlc.LockTime)
}

func (w *wallet) spendHTLC(ctx context.Context, htlc HTLC, buildWitness func(*wire.MsgTx, []byte) wire.TxWitness, lockTime uint64) (string, error) {
	utxos, err := w.indexer.GetUTXOs(ctx, htlc.Address)
	if err != nil {
		return "", err
	}
	if len(utxos) == 0 {
		return "", fmt.Errorf("htlc %v holds no utxo", htlc.Address.EncodeAddress())
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = uint32(lockTime)

	htlcPayScript, err := txscript.PayToAddrScript(htlc.Address)
	if err != nil {
		return "", fmt.Errorf("failed building htlc pay script, err : %v", err)
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	total := int64(0)
	for _, utxo := range utxos {
		hash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return "", fmt.Errorf("failed to decode utxo txid, err : %v", err)
		}
		outpoint := wire.NewOutPoint(hash, utxo.Vout)
		txIn := wire.NewTxIn(outpoint, nil, nil)
		if lockTime > 0 {
			// A max sequence disables locktime checking entirely.
			txIn.Sequence = wire.MaxTxInSequenceNum - 1
		}
		tx.AddTxIn(txIn)
		fetcher.AddPrevOut(*outpoint, wire.NewTxOut(utxo.Value, htlcPayScript))
		total += utxo.Value
	}

	walletScript, err := txscript.PayToAddrScript(w.addr)
	if err != nil {
		return "", fmt.Errorf("failed building wallet pay script, err : %v", err)
	}
	fee := w.estimateFee(len(utxos), 1)
	if total-fee <= dustLimit {
		return "", fmt.Errorf("htlc value %v does not cover the fee %v", total, fee)
	}
	tx.AddTxOut(wire.NewTxOut(total-fee, walletScript))

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, utxo := range utxos {
		sig, err := txscript.RawTxInWitnessSignature(tx, sigHashes, i, utxo.Value,
			htlc.Script, txscript.SigHashAll, w.key)
		if err != nil {
			return "", fmt.Errorf("failed signing input %v, err : %v", i, err)
		}
		tx.TxIn[i].Witness = buildWitness(tx, sig)
	}

	txid, err := w.indexer.SubmitTx(ctx, tx)
	if err != nil {
		return "", err
	}
	w.logger.Info("spent htlc",
		zap.String("address", htlc.Address.EncodeAddress()),
		zap.String("tx", txid))
	return txid, nil
}

// estimateFee over-approximates the virtual size of a segwit transaction with
// the given input and output counts. Witness data for the htlc path is larger
// than a p2wpkh witness, the p2wsh redeem script dominates.
func (w *wallet) estimateFee(inputs, outputs int) int64 {
	vsize := int64(11 + inputs*160 + outputs*43)
	return vsize * w.feeRate
}

func selectUTXOs(utxos []UTXO, target int64) ([]UTXO, int64, error) {
	selected := make([]UTXO, 0, len(utxos))
	total := int64(0)
	for _, utxo := range utxos {
		if !utxo.Status.Confirmed {
			continue
		}
		selected = append(selected, utxo)
		total += utxo.Value
		if total >= target {
			return selected, total, nil
		}
	}
	return nil, 0, fmt.Errorf("insufficient funds, have %v, need %v", total, target)
}
