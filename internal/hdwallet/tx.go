// internal/hdwallet/tx.go
package hdwallet

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"coinsettle/internal/domain"
	"coinsettle/internal/util"
)

// DefaultDustThreshold is the smallest change output worth creating, in satoshis.
const DefaultDustThreshold int64 = 546

// KeySource yields the private key for a derivation index.
type KeySource interface {
	PrivateKey(index int64) (*btcec.PrivateKey, error)
}

// SignedTx is a fully signed transaction ready for broadcast.
type SignedTx struct {
	Tx     *wire.MsgTx
	Hex    string
	Hash   string
	Fee    int64 // satoshis actually left to miners
	Change int64 // satoshis returned to the first input's address
}

// Signer builds and signs P2PKH payout transactions.
type Signer struct {
	keys   KeySource
	params *chaincfg.Params
	dust   int64
	logger *slog.Logger
}

// NewSigner creates a Signer. A non-positive dust falls back to DefaultDustThreshold.
func NewSigner(keys KeySource, params *chaincfg.Params, dust int64, logger *slog.Logger) *Signer {
	if dust <= 0 {
		dust = DefaultDustThreshold
	}
	return &Signer{keys: keys, params: params, dust: dust, logger: logger.With("component", "signer")}
}

// BuildAndSign spends inputs to outputs leaving minerFee. Change above the dust
// threshold goes back to the first input's address; smaller change is left
// to the miner.
func (s *Signer) BuildAndSign(inputs []domain.UnspentOutput, outputs []domain.PayoutOutput, minerFee int64) (*SignedTx, error) {
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, fmt.Errorf("build payout: %w: need at least one input and one output", util.ErrInvalidInput)
	}

	var totalIn, totalOut int64
	msgTx := wire.NewMsgTx(wire.TxVersion)
	pkScripts := make([][]byte, len(inputs))

	for i, in := range inputs {
		hash, err := chainhash.NewHashFromStr(in.TxHash)
		if err != nil {
			return nil, fmt.Errorf("build payout: parse input txid %s: %w", in.TxHash, err)
		}
		pkScript, err := PKScriptFromAddress(in.Address, s.params)
		if err != nil {
			return nil, fmt.Errorf("build payout: input %d: %w", i, err)
		}
		pkScripts[i] = pkScript

		txIn := wire.NewTxIn(wire.NewOutPoint(hash, in.Vout), nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum
		msgTx.AddTxIn(txIn)
		totalIn += in.Value
	}

	for _, out := range outputs {
		if out.Value <= s.dust {
			return nil, fmt.Errorf("build payout: %w: output %d to %s is not above dust %d",
				util.ErrInvalidInput, out.Value, out.Address, s.dust)
		}
		script, err := PKScriptFromAddress(out.Address, s.params)
		if err != nil {
			return nil, fmt.Errorf("build payout: output %s: %w", out.Address, err)
		}
		msgTx.AddTxOut(wire.NewTxOut(out.Value, script))
		totalOut += out.Value
	}

	change := totalIn - totalOut - minerFee
	if change < 0 {
		return nil, fmt.Errorf("build payout: inputs %d short of outputs %d plus fee %d: %w",
			totalIn, totalOut, minerFee, util.ErrInsufficientPoolFunds)
	}
	if change > s.dust {
		msgTx.AddTxOut(wire.NewTxOut(change, pkScripts[0]))
	} else {
		change = 0
	}

	for i, in := range inputs {
		privKey, err := s.keys.PrivateKey(in.DerivationIndex)
		if err != nil {
			return nil, fmt.Errorf("sign payout: key for index %d: %w", in.DerivationIndex, err)
		}
		sigScript, err := txscript.SignatureScript(msgTx, i, pkScripts[i], txscript.SigHashAll, privKey, true)
		privKey.Zero()
		if err != nil {
			return nil, fmt.Errorf("sign payout: input %d (index %d): %w", i, in.DerivationIndex, err)
		}
		msgTx.TxIn[i].SignatureScript = sigScript
	}

	rawHex, err := SerializeTx(msgTx)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Payout transaction signed",
		"inputs", len(inputs), "outputs", len(msgTx.TxOut), "change", change, "txid", msgTx.TxHash().String())

	return &SignedTx{
		Tx:     msgTx,
		Hex:    rawHex,
		Hash:   msgTx.TxHash().String(),
		Fee:    totalIn - totalOut - change,
		Change: change,
	}, nil
}

// SerializeTx encodes a transaction as hex.
func SerializeTx(msgTx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := msgTx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// PKScriptFromAddress returns the output script paying address.
func PKScriptFromAddress(address string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", address, err)
	}
	pkScript, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("create pkScript for %q: %w", address, err)
	}
	return pkScript, nil
}
