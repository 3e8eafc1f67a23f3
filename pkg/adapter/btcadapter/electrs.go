package btcadapter

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"go.uber.org/zap"
)

// DefaultRetryInterval is how long the client waits between retries of a
// failed indexer call.
const DefaultRetryInterval = 5 * time.Second

// UTXO is one unspent output as the indexer reports it.
type UTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed bool `json:"confirmed"`
	} `json:"status"`
}

type electrsClient struct {
	url           string
	client        *http.Client
	retryInterval time.Duration
	logger        *zap.Logger
}

// NewElectrsClient talks to an electrs/esplora REST endpoint. It implements
// both the adapter's IndexerClient and the wallet's extended needs.
func NewElectrsClient(url string, retryInterval time.Duration, logger *zap.Logger) *electrsClient {
	return &electrsClient{
		url:           strings.TrimSuffix(url, "/"),
		client:        &http.Client{Timeout: 30 * time.Second},
		retryInterval: retryInterval,
		logger:        logger,
	}
}

func (c *electrsClient) GetTipBlockHeight(ctx context.Context) (uint64, error) {
	body, err := c.get(ctx, "/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(body)), 10, 64)
}

func (c *electrsClient) GetAddressBalance(ctx context.Context, addr btcutil.Address) (int64, error) {
	body, err := c.get(ctx, fmt.Sprintf("/address/%v", addr.EncodeAddress()))
	if err != nil {
		return 0, err
	}
	var stats struct {
		ChainStats struct {
			FundedTxoSum int64 `json:"funded_txo_sum"`
			SpentTxoSum  int64 `json:"spent_txo_sum"`
		} `json:"chain_stats"`
	}
	if err := json.Unmarshal(body, &stats); err != nil {
		return 0, fmt.Errorf("failed to decode address stats, err : %v", err)
	}
	return stats.ChainStats.FundedTxoSum - stats.ChainStats.SpentTxoSum, nil
}

func (c *electrsClient) GetUTXOs(ctx context.Context, addr btcutil.Address) ([]UTXO, error) {
	body, err := c.get(ctx, fmt.Sprintf("/address/%v/utxo", addr.EncodeAddress()))
	if err != nil {
		return nil, err
	}
	var utxos []UTXO
	if err := json.Unmarshal(body, &utxos); err != nil {
		return nil, fmt.Errorf("failed to decode utxos, err : %v", err)
	}
	return utxos, nil
}

func (c *electrsClient) GetSpendingWitness(ctx context.Context, addr btcutil.Address) ([][]byte, string, bool, error) {
	body, err := c.get(ctx, fmt.Sprintf("/address/%v/txs", addr.EncodeAddress()))
	if err != nil {
		return nil, "", false, err
	}
	var txs []struct {
		TxID string `json:"txid"`
		Vin  []struct {
			Witness []string `json:"witness"`
			Prevout struct {
				Address string `json:"scriptpubkey_address"`
			} `json:"prevout"`
		} `json:"vin"`
	}
	if err := json.Unmarshal(body, &txs); err != nil {
		return nil, "", false, fmt.Errorf("failed to decode txs, err : %v", err)
	}

	for _, tx := range txs {
		for _, vin := range tx.Vin {
			if vin.Prevout.Address != addr.EncodeAddress() {
				continue
			}
			witness := make([][]byte, 0, len(vin.Witness))
			for _, item := range vin.Witness {
				raw, err := hex.DecodeString(item)
				if err != nil {
					return nil, "", false, fmt.Errorf("failed to decode witness item, err : %v", err)
				}
				witness = append(witness, raw)
			}
			return witness, tx.TxID, true, nil
		}
	}
	return nil, "", false, nil
}

func (c *electrsClient) SubmitTx(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize tx, err : %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/tx",
		strings.NewReader(hex.EncodeToString(buf.Bytes())))
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to submit tx, status = %v, body = %v", resp.StatusCode, string(body))
	}
	return strings.TrimSpace(string(body)), nil
}

func (c *electrsClient) get(ctx context.Context, path string) ([]byte, error) {
	for {
		body, err := c.getOnce(ctx, path)
		if err == nil {
			return body, nil
		}
		c.logger.Debug("indexer call failed, retrying", zap.String("path", path), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.retryInterval):
		}
	}
}

func (c *electrsClient) getOnce(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status = %v, body = %v", resp.StatusCode, string(body))
	}
	return body, nil
}
