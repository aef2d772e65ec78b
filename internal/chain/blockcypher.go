// internal/chain/blockcypher.go
package chain

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"coinsettle/internal/util"
)

// BlockCypherBackend reads chain data from the BlockCypher REST API.
type BlockCypherBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewBlockCypherBackend creates a BlockCypherBackend rooted at baseURL, e.g.
// https://api.blockcypher.com/v1/btc/main. token may be empty.
func NewBlockCypherBackend(baseURL, token string, client *http.Client) *BlockCypherBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &BlockCypherBackend{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

func (b *BlockCypherBackend) Name() string { return "blockcypher" }

type blockCypherRef struct {
	TxHash        string `json:"tx_hash"`
	TxOutputN     int    `json:"tx_output_n"`
	Value         int64  `json:"value"`
	Confirmations int    `json:"confirmations"`
}

type blockCypherAddress struct {
	TxRefs            []blockCypherRef `json:"txrefs"`
	UnconfirmedTxRefs []blockCypherRef `json:"unconfirmed_txrefs"`
}

type blockCypherTx struct {
	Hash          string `json:"hash"`
	Confirmations int    `json:"confirmations"`
	Outputs       []struct {
		Value     int64    `json:"value"`
		Addresses []string `json:"addresses"`
	} `json:"outputs"`
}

func (b *BlockCypherBackend) url(path string, query url.Values) string {
	if b.token != "" {
		query.Set("token", b.token)
	}
	if encoded := query.Encode(); encoded != "" {
		return b.baseURL + path + "?" + encoded
	}
	return b.baseURL + path
}

// AddressActivity folds BlockCypher's per-input/per-output refs into one entry
// per transaction. Refs with tx_output_n >= 0 are outputs paying the address.
func (b *BlockCypherBackend) AddressActivity(ctx context.Context, address string) ([]AddressTx, error) {
	var resp blockCypherAddress
	query := url.Values{"limit": []string{"50"}}
	if err := getJSON(ctx, b.client, b.url("/addrs/"+url.PathEscape(address), query), &resp); err != nil {
		return nil, err
	}

	type agg struct {
		sats  int64
		confs int
	}
	order := []string{}
	byHash := map[string]*agg{}
	refs := append(append([]blockCypherRef{}, resp.UnconfirmedTxRefs...), resp.TxRefs...)
	for _, ref := range refs {
		entry, ok := byHash[ref.TxHash]
		if !ok {
			entry = &agg{}
			byHash[ref.TxHash] = entry
			order = append(order, ref.TxHash)
		}
		if ref.TxOutputN >= 0 {
			entry.sats += ref.Value
		}
		if ref.Confirmations > entry.confs {
			entry.confs = ref.Confirmations
		}
	}

	activity := make([]AddressTx, 0, len(order))
	for _, hash := range order {
		entry := byHash[hash]
		received := util.FromSmallestUnit(entry.sats)
		activity = append(activity, AddressTx{Hash: hash, Confirmations: entry.confs, Received: &received})
	}
	return activity, nil
}

func (b *BlockCypherBackend) TransactionDetail(ctx context.Context, hash string) (*TxDetail, error) {
	var tx blockCypherTx
	if err := getJSON(ctx, b.client, b.url("/txs/"+url.PathEscape(hash), url.Values{}), &tx); err != nil {
		return nil, fmt.Errorf("blockcypher tx %s: %w", hash, err)
	}

	detail := &TxDetail{Hash: tx.Hash, Confirmations: tx.Confirmations}
	for _, out := range tx.Outputs {
		if len(out.Addresses) != 1 {
			continue
		}
		detail.Outputs = append(detail.Outputs, TxOutput{
			Address: out.Addresses[0],
			Value:   util.FromSmallestUnit(out.Value),
		})
	}
	return detail, nil
}
