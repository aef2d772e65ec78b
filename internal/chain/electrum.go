// internal/chain/electrum.go
package chain

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/goccy/go-json"
	"github.com/sethvargo/go-retry"

	"coinsettle/internal/util"
)

const (
	DefaultElectrumTimeout = 8 * time.Second
	DefaultElectrumRetries = 3
	electrumRetryBase      = 250 * time.Millisecond
	electrumProtocol       = "1.4"
)

// RPCError is an error returned by the Electrum server itself. It is never retried.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("electrum rpc error %d: %s", e.Code, e.Message)
}

// ElectrumConfig configures an ElectrumClient.
type ElectrumConfig struct {
	Addr    string // host:port
	TLS     bool
	Timeout time.Duration
	Retries uint64
}

// ElectrumClient speaks Electrum JSON-RPC over TCP or TLS. Each call opens a
// fresh connection bounded by the configured timeout and is retried with
// exponential backoff on transport failures.
type ElectrumClient struct {
	addr      string
	useTLS    bool
	timeout   time.Duration
	retries   uint64
	retryBase time.Duration
	nextID    atomic.Uint64
	logger    *slog.Logger
}

// NewElectrumClient creates an ElectrumClient.
func NewElectrumClient(cfg ElectrumConfig, logger *slog.Logger) *ElectrumClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultElectrumTimeout
	}
	return &ElectrumClient{
		addr:      cfg.Addr,
		useTLS:    cfg.TLS,
		timeout:   cfg.Timeout,
		retries:   cfg.Retries,
		retryBase: electrumRetryBase,
		logger:    logger.With("component", "electrum", "addr", cfg.Addr),
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

func (c *ElectrumClient) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	backoff := retry.WithMaxRetries(c.retries, retry.NewExponential(c.retryBase))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.roundTrip(ctx, method, params, result)
		if err == nil {
			return nil
		}
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return err
		}
		c.logger.Debug("Electrum call failed, retrying", "method", method, "attempt", attempt, "error", err)
		return retry.RetryableError(err)
	})
}

func (c *ElectrumClient) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{}
	if !c.useTLS {
		return dialer.DialContext(ctx, "tcp", c.addr)
	}
	host, _, err := net.SplitHostPort(c.addr)
	if err != nil {
		return nil, fmt.Errorf("parse electrum addr %q: %w", c.addr, err)
	}
	tlsDialer := &tls.Dialer{
		NetDialer: dialer,
		Config:    &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
	}
	return tlsDialer.DialContext(ctx, "tcp", c.addr)
}

func (c *ElectrumClient) roundTrip(ctx context.Context, method string, params []interface{}, result interface{}) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(callCtx)
	if err != nil {
		return fmt.Errorf("dial electrum: %w", err)
	}
	defer conn.Close()
	if deadline, ok := callCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	id := c.nextID.Add(1)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	// The version handshake goes first; some servers reject anything before it.
	if err := enc.Encode(rpcRequest{JSONRPC: "2.0", ID: 0, Method: "server.version", Params: []interface{}{"coinsettle", electrumProtocol}}); err != nil {
		return fmt.Errorf("encode handshake: %w", err)
	}
	if params == nil {
		params = []interface{}{}
	}
	if err := enc.Encode(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}
	if _, err := conn.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", method, err)
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("read %s: %w", method, err)
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("decode %s response: %w", method, err)
		}
		if resp.ID == nil || *resp.ID != id {
			continue
		}
		if len(resp.Error) > 0 && !bytes.Equal(resp.Error, []byte("null")) {
			rpcErr := &RPCError{}
			if err := json.Unmarshal(resp.Error, rpcErr); err != nil {
				rpcErr.Message = string(resp.Error)
			}
			return rpcErr
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	}
}

// ScriptHash returns the Electrum script hash of address: the byte-reversed
// SHA-256 of its output script, hex encoded.
func ScriptHash(address string, params *chaincfg.Params) (string, error) {
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return "", fmt.Errorf("decode address %q: %w", address, err)
	}
	pkScript, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return "", fmt.Errorf("pkScript for %q: %w", address, err)
	}
	sum := sha256.Sum256(pkScript)
	for i, j := 0, len(sum)-1; i < j; i, j = i+1, j-1 {
		sum[i], sum[j] = sum[j], sum[i]
	}
	return hex.EncodeToString(sum[:]), nil
}

// HistoryItem is one entry of blockchain.scripthash.get_history. Height is 0
// or negative for mempool transactions.
type HistoryItem struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
}

// Unspent is one entry of blockchain.scripthash.listunspent.
type Unspent struct {
	TxHash string `json:"tx_hash"`
	TxPos  uint32 `json:"tx_pos"`
	Height int64  `json:"height"`
	Value  int64  `json:"value"`
}

// VerboseTx is the verbose form of blockchain.transaction.get.
type VerboseTx struct {
	TxID          string `json:"txid"`
	Hex           string `json:"hex"`
	Confirmations int    `json:"confirmations"`
}

func (c *ElectrumClient) GetHistory(ctx context.Context, scriptHash string) ([]HistoryItem, error) {
	var items []HistoryItem
	if err := c.call(ctx, "blockchain.scripthash.get_history", []interface{}{scriptHash}, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *ElectrumClient) ListUnspent(ctx context.Context, scriptHash string) ([]Unspent, error) {
	var items []Unspent
	if err := c.call(ctx, "blockchain.scripthash.listunspent", []interface{}{scriptHash}, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *ElectrumClient) GetTransaction(ctx context.Context, hash string) (*VerboseTx, error) {
	var tx VerboseTx
	if err := c.call(ctx, "blockchain.transaction.get", []interface{}{hash, true}, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// TipHeight returns the height of the server's best block.
func (c *ElectrumClient) TipHeight(ctx context.Context) (int64, error) {
	var header struct {
		Height int64 `json:"height"`
	}
	if err := c.call(ctx, "blockchain.headers.subscribe", nil, &header); err != nil {
		return 0, err
	}
	return header.Height, nil
}

// Broadcast submits a raw transaction and returns its txid.
func (c *ElectrumClient) Broadcast(ctx context.Context, rawHex string) (string, error) {
	var txid string
	if err := c.call(ctx, "blockchain.transaction.broadcast", []interface{}{rawHex}, &txid); err != nil {
		return "", fmt.Errorf("%w: %w", util.ErrBroadcastFailure, err)
	}
	return txid, nil
}

// ElectrumBackend adapts an ElectrumClient to Backend. History listings carry
// no amounts, so callers resolve them through TransactionDetail.
type ElectrumBackend struct {
	client *ElectrumClient
	params *chaincfg.Params
}

// NewElectrumBackend creates an ElectrumBackend.
func NewElectrumBackend(client *ElectrumClient, params *chaincfg.Params) *ElectrumBackend {
	return &ElectrumBackend{client: client, params: params}
}

func (e *ElectrumBackend) Name() string { return "electrum" }

func (e *ElectrumBackend) AddressActivity(ctx context.Context, address string) ([]AddressTx, error) {
	scriptHash, err := ScriptHash(address, e.params)
	if err != nil {
		return nil, err
	}
	history, err := e.client.GetHistory(ctx, scriptHash)
	if err != nil {
		return nil, err
	}

	var tip int64
	for _, item := range history {
		if item.Height > 0 {
			if tip, err = e.client.TipHeight(ctx); err != nil {
				return nil, err
			}
			break
		}
	}

	activity := make([]AddressTx, 0, len(history))
	for _, item := range history {
		activity = append(activity, AddressTx{Hash: item.TxHash, Confirmations: confirmationsAt(tip, item.Height)})
	}
	return activity, nil
}

func (e *ElectrumBackend) TransactionDetail(ctx context.Context, hash string) (*TxDetail, error) {
	verbose, err := e.client.GetTransaction(ctx, hash)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(verbose.Hex)
	if err != nil {
		return nil, fmt.Errorf("decode tx %s hex: %w", hash, err)
	}
	var msgTx wire.MsgTx
	if err := msgTx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("deserialize tx %s: %w", hash, err)
	}

	detail := &TxDetail{Hash: msgTx.TxHash().String(), Confirmations: verbose.Confirmations}
	for _, out := range msgTx.TxOut {
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, e.params)
		if err != nil || len(addrs) != 1 {
			continue
		}
		detail.Outputs = append(detail.Outputs, TxOutput{
			Address: addrs[0].EncodeAddress(),
			Value:   util.FromSmallestUnit(out.Value),
		})
	}
	return detail, nil
}

// ListUnspent lists the spendable outputs on address.
func (e *ElectrumBackend) ListUnspent(ctx context.Context, address string) ([]Unspent, error) {
	scriptHash, err := ScriptHash(address, e.params)
	if err != nil {
		return nil, err
	}
	return e.client.ListUnspent(ctx, scriptHash)
}

// Broadcast submits a signed transaction.
func (e *ElectrumBackend) Broadcast(ctx context.Context, rawHex string) (string, error) {
	return e.client.Broadcast(ctx, rawHex)
}
