// internal/hdwallet/deriver.go
package hdwallet

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"coinsettle/internal/util"
)

const (
	purposeBIP44  = 44
	coinMainnet   = 0
	coinTestnet   = 1
	externalChain = 0
)

// Deriver derives per-order receiving addresses along m/44'/coin'/0'/0/index.
// The external chain key is derived once; per-index derivation is one step.
type Deriver struct {
	external *hdkeychain.ExtendedKey
	params   *chaincfg.Params
}

// NewDeriver builds a Deriver from a BIP39 mnemonic and optional passphrase.
func NewDeriver(mnemonic, passphrase string, params *chaincfg.Params) (*Deriver, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("%w: invalid mnemonic", util.ErrAddressDerivation)
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	master, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("%w: master key: %v", util.ErrAddressDerivation, err)
	}

	coinType := uint32(coinTestnet)
	if params.Net == chaincfg.MainNetParams.Net {
		coinType = coinMainnet
	}

	key := master
	for _, step := range []uint32{
		hdkeychain.HardenedKeyStart + purposeBIP44,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart + 0,
		externalChain,
	} {
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("%w: account path: %v", util.ErrAddressDerivation, err)
		}
	}

	return &Deriver{external: key, params: params}, nil
}

// Params returns the chain parameters addresses are encoded for.
func (d *Deriver) Params() *chaincfg.Params {
	return d.params
}

func (d *Deriver) child(index int64) (*hdkeychain.ExtendedKey, error) {
	if index < 0 || index >= hdkeychain.HardenedKeyStart {
		return nil, fmt.Errorf("%w: index %d out of range", util.ErrAddressDerivation, index)
	}
	child, err := d.external.Derive(uint32(index))
	if err != nil {
		return nil, fmt.Errorf("%w: index %d: %v", util.ErrAddressDerivation, index, err)
	}
	return child, nil
}

// Derive returns the P2PKH address at index.
func (d *Deriver) Derive(index int64) (string, error) {
	child, err := d.child(index)
	if err != nil {
		return "", err
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("%w: public key %d: %v", util.ErrAddressDerivation, index, err)
	}
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), d.params)
	if err != nil {
		return "", fmt.Errorf("%w: address %d: %v", util.ErrAddressDerivation, index, err)
	}
	return addr.EncodeAddress(), nil
}

// PrivateKey returns the signing key for the address at index.
func (d *Deriver) PrivateKey(index int64) (*btcec.PrivateKey, error) {
	child, err := d.child(index)
	if err != nil {
		return nil, err
	}
	privKey, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("%w: private key %d: %v", util.ErrAddressDerivation, index, err)
	}
	return privKey, nil
}

// ValidateAddress checks that addr is a well-formed address for the deriver's network.
func (d *Deriver) ValidateAddress(addr string) error {
	return ValidateAddress(addr, d.params)
}

// ValidateAddress checks that addr decodes for params.
func ValidateAddress(addr string, params *chaincfg.Params) error {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return fmt.Errorf("%w: address %q: %v", util.ErrInvalidInput, addr, err)
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("%w: address %q is not for %s", util.ErrInvalidInput, addr, params.Name)
	}
	return nil
}

// NetworkParams maps a network name to chain parameters.
func NetworkParams(name string) (*chaincfg.Params, error) {
	switch strings.ToLower(name) {
	case "", "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	default:
		return nil, fmt.Errorf("unknown chain network %q", name)
	}
}
