package wallet

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/base58"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/ripemd160"
)

// solanaDerivationTag scopes the Solana key material so it can never
// collide with BIP-32 derived secp256k1 keys.
const solanaDerivationTag = "solana_derivation"

// EVMAddress derives the checksummed EVM address at m/44'/60'/0'/0/index.
func (w *Wallet) EVMAddress(index uint32) (string, error) {
	key, err := w.evmKey(index)
	if err != nil {
		return "", err
	}
	return ethcrypto.PubkeyToAddress(key.ToECDSA().PublicKey).Hex(), nil
}

func (w *Wallet) evmKey(index uint32) (*btcec.PrivateKey, error) {
	ext, err := w.bip44Key(coinTypeEthereum, index)
	if err != nil {
		return nil, err
	}
	return ext.ECPrivKey()
}

// BitcoinAddress derives the P2PKH address at m/44'/0'/0'/0/index:
// base58check(0x00 || RIPEMD160(SHA256(compressed pubkey))).
func (w *Wallet) BitcoinAddress(index uint32) (string, error) {
	key, err := w.bitcoinKey(index)
	if err != nil {
		return "", err
	}

	pubKey := key.PubKey().SerializeCompressed()
	sha := sha256.Sum256(pubKey)

	ripe := ripemd160.New()
	ripe.Write(sha[:])
	hash160 := ripe.Sum(nil)

	return base58.CheckEncode(hash160, w.params.PubKeyHashAddrID), nil
}

func (w *Wallet) bitcoinKey(index uint32) (*btcec.PrivateKey, error) {
	ext, err := w.bip44Key(coinTypeBitcoin, index)
	if err != nil {
		return nil, err
	}
	return ext.ECPrivKey()
}

// SolanaAddress derives the base58 Ed25519 public key for the given index.
func (w *Wallet) SolanaAddress(index uint32) (string, error) {
	_, pub := w.solanaKey(index)
	return base58.Encode(pub), nil
}

// solanaKey derives the Ed25519 keypair at the given index from
// SHA256(seed || tag || uint32_le(index)).
func (w *Wallet) solanaKey(index uint32) (ed25519.PrivateKey, ed25519.PublicKey) {
	h := sha256.New()
	h.Write(w.seed)
	h.Write([]byte(solanaDerivationTag))

	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], index)
	h.Write(idx[:])

	priv := ed25519.NewKeyFromSeed(h.Sum(nil))
	return priv, priv.Public().(ed25519.PublicKey)
}

// Hash160 returns RIPEMD160(SHA256(data)), the standard Bitcoin pubkey hash.
func Hash160(data []byte) []byte {
	sha := sha256.Sum256(data)
	ripe := ripemd160.New()
	ripe.Write(sha[:])
	return ripe.Sum(nil)
}

// ValidateAddressForChain performs a shallow syntactic check used before a
// payout or refund is broadcast.
func ValidateAddressForChain(chain Chain, address string) error {
	switch chain {
	case ChainEVM:
		if len(address) != 42 || address[:2] != "0x" {
			return fmt.Errorf("invalid EVM address: %s", address)
		}
	case ChainBitcoin:
		if _, _, err := base58.CheckDecode(address); err != nil {
			return fmt.Errorf("invalid Bitcoin address %s: %w", address, err)
		}
	case ChainSolana:
		decoded := base58.Decode(address)
		if len(decoded) != ed25519.PublicKeySize {
			return fmt.Errorf("invalid Solana address: %s", address)
		}
	default:
		return fmt.Errorf("unsupported chain: %s", chain)
	}
	return nil
}
