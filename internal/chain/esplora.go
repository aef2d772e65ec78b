// internal/chain/esplora.go
package chain

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"coinsettle/internal/util"
)

// EsploraBackend reads chain data from an Esplora REST API (Blockstream, mempool.space).
type EsploraBackend struct {
	baseURL string
	client  *http.Client
}

// NewEsploraBackend creates an EsploraBackend rooted at baseURL, e.g. https://blockstream.info/api.
func NewEsploraBackend(baseURL string, client *http.Client) *EsploraBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &EsploraBackend{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (e *EsploraBackend) Name() string { return "esplora" }

type esploraTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
	Vout []struct {
		ScriptPubKeyAddress string `json:"scriptpubkey_address"`
		Value               int64  `json:"value"`
	} `json:"vout"`
}

func (e *EsploraBackend) tipHeight(ctx context.Context) (int64, error) {
	body, err := httpGet(ctx, e.client, e.baseURL+"/blocks/tip/height")
	if err != nil {
		return 0, err
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tip height %q: %w", string(body), err)
	}
	return height, nil
}

func confirmationsAt(tip, height int64) int {
	if height <= 0 || tip < height {
		return 0
	}
	return int(tip - height + 1)
}

func (e *EsploraBackend) confirmations(ctx context.Context, txs []esploraTx) (func(esploraTx) int, error) {
	var tip int64
	for _, tx := range txs {
		if tx.Status.Confirmed {
			var err error
			if tip, err = e.tipHeight(ctx); err != nil {
				return nil, err
			}
			break
		}
	}
	return func(tx esploraTx) int {
		if !tx.Status.Confirmed {
			return 0
		}
		return confirmationsAt(tip, tx.Status.BlockHeight)
	}, nil
}

func (e *EsploraBackend) AddressActivity(ctx context.Context, address string) ([]AddressTx, error) {
	var txs []esploraTx
	if err := getJSON(ctx, e.client, fmt.Sprintf("%s/address/%s/txs", e.baseURL, url.PathEscape(address)), &txs); err != nil {
		return nil, err
	}
	confs, err := e.confirmations(ctx, txs)
	if err != nil {
		return nil, err
	}

	activity := make([]AddressTx, 0, len(txs))
	for _, tx := range txs {
		var sats int64
		for _, out := range tx.Vout {
			if out.ScriptPubKeyAddress == address {
				sats += out.Value
			}
		}
		received := util.FromSmallestUnit(sats)
		activity = append(activity, AddressTx{
			Hash:          tx.TxID,
			Confirmations: confs(tx),
			Received:      &received,
		})
	}
	return activity, nil
}

func (e *EsploraBackend) TransactionDetail(ctx context.Context, hash string) (*TxDetail, error) {
	var tx esploraTx
	if err := getJSON(ctx, e.client, fmt.Sprintf("%s/tx/%s", e.baseURL, url.PathEscape(hash)), &tx); err != nil {
		return nil, err
	}
	confs, err := e.confirmations(ctx, []esploraTx{tx})
	if err != nil {
		return nil, err
	}

	detail := &TxDetail{Hash: tx.TxID, Confirmations: confs(tx)}
	for _, out := range tx.Vout {
		detail.Outputs = append(detail.Outputs, TxOutput{
			Address: out.ScriptPubKeyAddress,
			Value:   util.FromSmallestUnit(out.Value),
		})
	}
	return detail, nil
}
