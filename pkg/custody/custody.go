// Package custody moves funds out of the HD wallet: payouts to users on
// the destination chain and refunds back to depositors on the source
// chain. It bridges the wallet's signing keys with the per-chain RPC
// clients.
package custody

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veilswap/middleware/pkg/chain"
	"github.com/veilswap/middleware/pkg/payout"
	"github.com/veilswap/middleware/pkg/refund"
	"github.com/veilswap/middleware/pkg/swap"
	"github.com/veilswap/middleware/pkg/wallet"
)

var (
	weiPerEther    = decimal.New(1, 18)
	satoshisPerBTC = decimal.New(1, 8)
	lamportsPerSOL = decimal.New(1, 9)
)

// Bitcoin fallback fee rate in sat/vB when the node has no estimate.
var btcFallbackRate = decimal.NewFromInt(10)

// Solana base signature fee in lamports, reported as the "gas price" of a
// broadcast transfer.
const solSignatureFee = 5000

// Keys resolves the derivation index recorded for a swap on a chain.
type Keys interface {
	GetDerivationIndex(ctx context.Context, swapID, chain string) (uint32, error)
}

// Treasury signs and broadcasts custody transactions. It implements the
// payout executor's Custody, Sender and Confirmer and the refund
// pipeline's Sender.
type Treasury struct {
	wallet  *wallet.Wallet
	keys    Keys
	clients map[string]chain.Client // keyed by lowercased network
	logger  *zap.Logger
}

func NewTreasury(w *wallet.Wallet, keys Keys, clients map[string]chain.Client, logger *zap.Logger) *Treasury {
	return &Treasury{
		wallet:  w,
		keys:    keys,
		clients: clients,
		logger:  logger,
	}
}

func (t *Treasury) client(network string) (chain.Client, error) {
	c, ok := t.clients[strings.ToLower(network)]
	if !ok {
		return nil, fmt.Errorf("no chain client for network %s", network)
	}
	return c, nil
}

// custodyAddress resolves the wallet address allocated to a swap on a chain.
func (t *Treasury) custodyAddress(ctx context.Context, swapID, network string) (uint32, string, error) {
	c, err := t.client(network)
	if err != nil {
		return 0, "", err
	}
	index, err := t.keys.GetDerivationIndex(ctx, swapID, strings.ToLower(network))
	if err != nil {
		return 0, "", fmt.Errorf("failed to resolve derivation index: %w", err)
	}
	addr, err := t.wallet.Address(wallet.Chain(c.Protocol()), index)
	if err != nil {
		return 0, "", err
	}
	return index, addr, nil
}

// CustodyBalance returns the balance held for the swap on its payout chain.
func (t *Treasury) CustodyBalance(ctx context.Context, sw *swap.Swap) (decimal.Decimal, error) {
	c, err := t.client(sw.NetworkTo)
	if err != nil {
		return decimal.Zero, err
	}
	_, addr, err := t.custodyAddress(ctx, sw.ID, sw.NetworkTo)
	if err != nil {
		return decimal.Zero, err
	}
	return c.Balance(ctx, addr)
}

// ForwardDeposit sweeps the user's confirmed deposit from the swap's
// deposit address to the provider's deposit address on the source chain.
func (t *Treasury) ForwardDeposit(ctx context.Context, sw *swap.Swap) (string, error) {
	if sw.ProviderDepositAddress == "" {
		return "", fmt.Errorf("swap %s has no provider deposit address", sw.ID)
	}
	index, _, err := t.custodyAddress(ctx, sw.ID, sw.NetworkFrom)
	if err != nil {
		return "", err
	}
	txHash, _, err := t.send(ctx, sw.NetworkFrom, index, sw.ProviderDepositAddress, sw.AmountFrom, decimal.NewFromInt(1))
	return txHash, err
}

// SendPayout broadcasts the payout from the swap's custody address.
func (t *Treasury) SendPayout(ctx context.Context, sw *swap.Swap, p *payout.Payout) (string, string, error) {
	index, _, err := t.custodyAddress(ctx, sw.ID, p.Chain)
	if err != nil {
		return "", "", err
	}
	return t.send(ctx, p.Chain, index, p.ToAddress, p.Amount, decimal.NewFromInt(1))
}

// SendRefund sweeps the deposit back to the user's refund address with the
// gas price scaled by the escalation multiplier.
func (t *Treasury) SendRefund(ctx context.Context, r *refund.Refund, gasMultiplier decimal.Decimal) (string, error) {
	index, _, err := t.custodyAddress(ctx, r.SwapID, r.Chain)
	if err != nil {
		return "", err
	}
	txHash, _, err := t.send(ctx, r.Chain, index, r.ToAddress, r.RefundAmount, gasMultiplier)
	return txHash, err
}

// Confirmations reports the confirmation depth of a broadcast transaction.
func (t *Treasury) Confirmations(ctx context.Context, network, txHash string) (uint64, error) {
	c, err := t.client(network)
	if err != nil {
		return 0, err
	}
	return c.TxConfirmations(ctx, txHash)
}

// send signs and broadcasts a native transfer of amount (whole units) from
// the key at index to the destination address.
func (t *Treasury) send(ctx context.Context, network string, index uint32, to string, amount decimal.Decimal, gasMul decimal.Decimal) (string, string, error) {
	c, err := t.client(network)
	if err != nil {
		return "", "", err
	}

	switch cl := c.(type) {
	case *chain.EVMClient:
		return t.sendEVM(ctx, cl, index, to, amount, gasMul)
	case *chain.BitcoinClient:
		return t.sendBitcoin(ctx, cl, index, to, amount, gasMul)
	case *chain.SolanaClient:
		return t.sendSolana(ctx, cl, index, to, amount)
	default:
		return "", "", fmt.Errorf("unsupported client type for network %s", network)
	}
}

func (t *Treasury) sendEVM(ctx context.Context, cl *chain.EVMClient, index uint32, to string, amount decimal.Decimal, gasMul decimal.Decimal) (string, string, error) {
	from, err := t.wallet.EVMAddress(index)
	if err != nil {
		return "", "", err
	}
	nonce, err := cl.Nonce(ctx, from)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch nonce: %w", err)
	}
	price, err := cl.GasPrice(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch gas price: %w", err)
	}
	scaled := decimal.NewFromBigInt(price, 0).Mul(gasMul).BigInt()

	raw, err := t.wallet.SignEVMTx(index, wallet.EVMTx{
		Nonce:    nonce,
		To:       to,
		Value:    amount.Mul(weiPerEther).BigInt(),
		GasLimit: 21000,
		GasPrice: scaled,
		ChainID:  cl.ChainID(),
	})
	if err != nil {
		return "", "", err
	}

	txHash, err := cl.SendRawTransaction(ctx, raw)
	if err != nil {
		return "", "", err
	}
	return txHash, scaled.String(), nil
}

func (t *Treasury) sendBitcoin(ctx context.Context, cl *chain.BitcoinClient, index uint32, to string, amount decimal.Decimal, gasMul decimal.Decimal) (string, string, error) {
	from, err := t.wallet.BitcoinAddress(index)
	if err != nil {
		return "", "", err
	}
	unspent, err := cl.ListUnspent(ctx, from, 1)
	if err != nil {
		return "", "", fmt.Errorf("failed to list unspent outputs: %w", err)
	}
	if len(unspent) == 0 {
		return "", "", fmt.Errorf("no spendable outputs on %s", from)
	}

	rate, err := cl.FeeRate(ctx, 2)
	if err != nil {
		t.logger.Warn("fee estimate unavailable, using fallback rate", zap.Error(err))
		rate = btcFallbackRate
	}
	rate = rate.Mul(gasMul)

	utxos := make([]wallet.UTXO, len(unspent))
	var sumSats int64
	for i, u := range unspent {
		sats := u.Amount.Mul(satoshisPerBTC).IntPart()
		utxos[i] = wallet.UTXO{TxID: u.TxID, Vout: u.Vout, Amount: sats}
		sumSats += sats
	}

	vsize := wallet.BitcoinTxVSize(len(utxos), 1)
	feeSats := rate.Mul(decimal.NewFromInt(int64(vsize))).Ceil().IntPart()
	sendSats, err := sweepAmount(sumSats, amount.Mul(satoshisPerBTC).IntPart(), feeSats)
	if err != nil {
		return "", "", err
	}

	raw, err := t.wallet.SignBitcoinSweep(index, utxos, to, sendSats)
	if err != nil {
		return "", "", err
	}
	txHash, err := cl.SendRawTransaction(ctx, raw)
	if err != nil {
		return "", "", err
	}
	return txHash, rate.String(), nil
}

// sweepAmount picks the output value for a sweep: the requested amount when
// the inputs cover it plus the fee, otherwise everything left after the fee.
func sweepAmount(sumSats, amountSats, feeSats int64) (int64, error) {
	send := amountSats
	if available := sumSats - feeSats; available < send {
		send = available
	}
	if send <= 0 {
		return 0, fmt.Errorf("inputs (%d sat) do not cover the fee (%d sat)", sumSats, feeSats)
	}
	return send, nil
}

func (t *Treasury) sendSolana(ctx context.Context, cl *chain.SolanaClient, index uint32, to string, amount decimal.Decimal) (string, string, error) {
	from, err := t.wallet.SolanaAddress(index)
	if err != nil {
		return "", "", err
	}
	blockhash, err := cl.LatestBlockhash(ctx)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch blockhash: %w", err)
	}

	msg, err := solanaTransferMessage(from, to, blockhash, amount.Mul(lamportsPerSOL).IntPart())
	if err != nil {
		return "", "", err
	}
	sig := t.wallet.SignSolanaMessage(index, msg)

	// A wire transaction is the compact signature array followed by the
	// message the signatures cover.
	raw := append(compactU16(1), sig...)
	raw = append(raw, msg...)

	txHash, err := cl.SendRawTransaction(ctx, raw)
	if err != nil {
		return "", "", err
	}
	return txHash, strconv.Itoa(solSignatureFee), nil
}
