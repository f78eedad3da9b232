// Package wallet implements the custodial HD wallet: BIP-39 seed handling,
// per-chain address derivation and transaction signing.
//
// Derivation paths follow BIP-44 for EVM (m/44'/60'/0'/0/i) and Bitcoin
// (m/44'/0'/0'/0/i). Solana keys are Ed25519 and derived deterministically
// from the seed with a chain-scoped hash, since BIP-32 does not apply to
// Ed25519 curves.
package wallet

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	bip39 "github.com/tyler-smith/go-bip39"
)

// Chain identifies a supported blockchain family.
type Chain string

const (
	ChainEVM     Chain = "evm"
	ChainBitcoin Chain = "bitcoin"
	ChainSolana  Chain = "solana"
)

// BIP-44 coin types.
const (
	coinTypeBitcoin  = 0
	coinTypeEthereum = 60
)

// ErrInvalidMnemonic is returned when the mnemonic fails BIP-39 validation.
var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// Wallet holds the master seed and derives per-swap custody keys.
type Wallet struct {
	seed   []byte
	params *chaincfg.Params
}

// New creates a wallet from a BIP-39 mnemonic. The mnemonic must have a
// valid word count (12, 15, 18, 21 or 24) and checksum.
func New(mnemonic string) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, "")
	return &Wallet{
		seed:   seed,
		params: &chaincfg.MainNetParams,
	}, nil
}

// NewMnemonic generates a fresh 24-word mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// bip44Key derives the extended key at m/44'/coinType'/0'/0/index.
func (w *Wallet) bip44Key(coinType, index uint32) (*hdkeychain.ExtendedKey, error) {
	master, err := hdkeychain.NewMaster(w.seed, w.params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}

	path := []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart + 0,
		0,
		index,
	}

	key := master
	for _, step := range path {
		key, err = key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive child key: %w", err)
		}
	}
	return key, nil
}

// Address derives the custody address for a chain at the given index.
func (w *Wallet) Address(chain Chain, index uint32) (string, error) {
	switch chain {
	case ChainEVM:
		return w.EVMAddress(index)
	case ChainBitcoin:
		return w.BitcoinAddress(index)
	case ChainSolana:
		return w.SolanaAddress(index)
	default:
		return "", fmt.Errorf("unsupported chain: %s", chain)
	}
}
