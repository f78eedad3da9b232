package custody

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// System program id: 32 zero bytes.
var solSystemProgram [32]byte

// System program instruction index for a lamport transfer.
const solTransferInstruction = 2

// compactU16 encodes a length in Solana's compact-u16 format.
func compactU16(n int) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n == 0 {
			out = append(out, b)
			return out
		}
		out = append(out, b|0x80)
	}
}

// solanaTransferMessage serializes a legacy transaction message moving
// lamports from one account to another through the system program. The
// sender is the only signer and fee payer.
func solanaTransferMessage(from, to, blockhash string, lamports int64) ([]byte, error) {
	fromKey := base58.Decode(from)
	toKey := base58.Decode(to)
	hash := base58.Decode(blockhash)
	if len(fromKey) != 32 || len(toKey) != 32 {
		return nil, fmt.Errorf("invalid account key length")
	}
	if len(hash) != 32 {
		return nil, fmt.Errorf("invalid blockhash %q", blockhash)
	}

	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], solTransferInstruction)
	binary.LittleEndian.PutUint64(data[4:12], uint64(lamports))

	var msg []byte
	// Header: one required signature, no read-only signed accounts, one
	// read-only unsigned account (the system program).
	msg = append(msg, 1, 0, 1)

	// Account keys: sender, recipient, system program.
	msg = append(msg, compactU16(3)...)
	msg = append(msg, fromKey...)
	msg = append(msg, toKey...)
	msg = append(msg, solSystemProgram[:]...)

	msg = append(msg, hash...)

	// One instruction: system program (key 2) over [sender, recipient].
	msg = append(msg, compactU16(1)...)
	msg = append(msg, 2)
	msg = append(msg, compactU16(2)...)
	msg = append(msg, 0, 1)
	msg = append(msg, compactU16(len(data))...)
	msg = append(msg, data...)

	return msg, nil
}
