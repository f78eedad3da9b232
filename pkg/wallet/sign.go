package wallet

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EVMTx describes an EVM transfer to sign.
type EVMTx struct {
	Nonce    uint64
	To       string
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int
	Data     []byte
	ChainID  *big.Int
}

// SignEVMTx signs a legacy transaction with the key at the given derivation
// index using EIP-155 replay protection. It returns the RLP-encoded raw
// transaction ready for eth_sendRawTransaction.
func (w *Wallet) SignEVMTx(index uint32, tx EVMTx) ([]byte, error) {
	key, err := w.evmKey(index)
	if err != nil {
		return nil, err
	}

	to := common.HexToAddress(tx.To)
	unsigned := types.NewTx(&types.LegacyTx{
		Nonce:    tx.Nonce,
		To:       &to,
		Value:    tx.Value,
		Gas:      tx.GasLimit,
		GasPrice: tx.GasPrice,
		Data:     tx.Data,
	})

	signer := types.NewEIP155Signer(tx.ChainID)
	signed, err := types.SignTx(unsigned, signer, key.ToECDSA())
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed.MarshalBinary()
}

// UTXO is an unspent output consumed by a Bitcoin sweep.
type UTXO struct {
	TxID   string
	Vout   uint32
	Amount int64 // satoshis
}

// BitcoinTxVSize estimates the virtual size of a P2PKH spend with the given
// input and output counts.
func BitcoinTxVSize(inputs, outputs int) int {
	return 148*inputs + 34*outputs + 10
}

// SignBitcoinSweep builds and signs a transaction spending the given UTXOs
// held by the key at the derivation index, sending amount satoshis to the
// destination and the remainder minus fee back nowhere (fee-inclusive sweep:
// amount = sum(utxos) - fee). Returns the serialized raw transaction.
func (w *Wallet) SignBitcoinSweep(index uint32, utxos []UTXO, destination string, amount int64) ([]byte, error) {
	if len(utxos) == 0 {
		return nil, fmt.Errorf("no inputs to spend")
	}

	key, err := w.bitcoinKey(index)
	if err != nil {
		return nil, err
	}

	destAddr, err := btcutil.DecodeAddress(destination, w.params)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address %s: %w", destination, err)
	}
	destScript, err := txscript.PayToAddrScript(destAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to build output script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range utxos {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid utxo txid %s: %w", u.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, u.Vout), nil, nil))
	}
	tx.AddTxOut(wire.NewTxOut(amount, destScript))

	// All inputs are funded by our own deposit address, so one prev script
	// covers every input.
	sourceAddr, err := w.BitcoinAddress(index)
	if err != nil {
		return nil, err
	}
	decoded, err := btcutil.DecodeAddress(sourceAddr, w.params)
	if err != nil {
		return nil, err
	}
	prevScript, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, err
	}

	for i := range tx.TxIn {
		sigScript, err := txscript.SignatureScript(tx, i, prevScript, txscript.SigHashAll, key, true)
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].SignatureScript = sigScript
	}

	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return buf.Bytes(), nil
}

// SignSolanaMessage signs an already serialized Solana transaction message
// with the Ed25519 key at the given index. The caller assembles the message
// from the latest blockhash and transfer instruction.
func (w *Wallet) SignSolanaMessage(index uint32, message []byte) []byte {
	priv, _ := w.solanaKey(index)
	return ed25519.Sign(priv, message)
}

// VerifySolanaSignature checks a signature against the derived public key.
func (w *Wallet) VerifySolanaSignature(index uint32, message, sig []byte) bool {
	_, pub := w.solanaKey(index)
	return ed25519.Verify(pub, message, sig)
}
