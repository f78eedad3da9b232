package custody

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilswap/middleware/pkg/swap"
)

func TestForwardDeposit_RequiresProviderAddress(t *testing.T) {
	tr := &Treasury{}
	_, err := tr.ForwardDeposit(context.Background(), &swap.Swap{ID: "swap-1"})
	assert.Error(t, err)
}

func TestSweepAmount(t *testing.T) {
	// Inputs cover amount plus fee: send the requested amount.
	send, err := sweepAmount(100_000, 90_000, 5_000)
	require.NoError(t, err)
	assert.Equal(t, int64(90_000), send)

	// Inputs fall short: sweep whatever remains after the fee.
	send, err = sweepAmount(100_000, 99_000, 5_000)
	require.NoError(t, err)
	assert.Equal(t, int64(95_000), send)

	// Fee eats everything.
	_, err = sweepAmount(4_000, 4_000, 5_000)
	assert.Error(t, err)
}

func TestCompactU16(t *testing.T) {
	assert.Equal(t, []byte{0x00}, compactU16(0))
	assert.Equal(t, []byte{0x05}, compactU16(5))
	assert.Equal(t, []byte{0x7f}, compactU16(127))
	assert.Equal(t, []byte{0x80, 0x01}, compactU16(128))
	assert.Equal(t, []byte{0xff, 0x01}, compactU16(255))
}

func TestSolanaTransferMessage(t *testing.T) {
	from := base58.Encode(make([]byte, 32))
	toKey := make([]byte, 32)
	toKey[31] = 1
	to := base58.Encode(toKey)
	hashKey := make([]byte, 32)
	hashKey[0] = 7
	blockhash := base58.Encode(hashKey)

	msg, err := solanaTransferMessage(from, to, blockhash, 1_500_000)
	require.NoError(t, err)

	// Header.
	assert.Equal(t, []byte{1, 0, 1}, msg[:3])
	// Three account keys follow a one-byte length.
	assert.Equal(t, byte(3), msg[3])
	keys := msg[4 : 4+96]
	assert.Equal(t, toKey, keys[32:64])
	// The third key is the system program (all zeros).
	assert.Equal(t, make([]byte, 32), keys[64:96])
	// Recent blockhash.
	assert.Equal(t, hashKey, msg[100:132])

	// Instruction data ends with the lamport amount.
	data := msg[len(msg)-12:]
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(data[:4]))
	assert.Equal(t, uint64(1_500_000), binary.LittleEndian.Uint64(data[4:]))
}

func TestSolanaTransferMessage_BadInputs(t *testing.T) {
	valid := base58.Encode(make([]byte, 32))

	_, err := solanaTransferMessage("short", valid, valid, 1)
	assert.Error(t, err)

	_, err = solanaTransferMessage(valid, valid, "nothash", 1)
	assert.Error(t, err)
}
