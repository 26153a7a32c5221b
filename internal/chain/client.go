// Package chain issues the fixed instruction set of the on-chain run program
// and reads its account state. Program accounts are derived deterministically
// from seeds, so every call for a (run, step) pair lands on the same account
// and re-submission is safe.
package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"
)

const callTimeout = 30 * time.Second

// Instruction signatures; selectors are derived with keccak like any other
// contract call.
const (
	sigInitializePlatform = "initializePlatform(uint16)"
	sigCreateRun          = "createRun(uint64,uint64,uint64,uint16)"
	sigCreateRunVault     = "createRunVault(uint64)"
	sigStartRun           = "startRun(uint64)"
	sigRecordTrade        = "recordTrade(uint64,uint8,uint8,uint16,uint8,uint64,uint64,int64)"
	sigSettleRun          = "settleRun(uint64,uint64,address[],uint64[])"
	sigWithdraw           = "withdraw(uint64,address)"
	sigRunExists          = "runExists(bytes32)"
)

// Share is one participant payout passed to settle_run.
type Share struct {
	Wallet string
	Amount int64
}

// Client talks to the run program over raw JSON-RPC. With no RPC url or key
// configured it runs disabled: every call logs and returns success, which
// keeps mock deployments and tests off the network.
type Client struct {
	rpcURL     string
	program    common.Address
	chainID    *big.Int
	priv       *ecdsa.PrivateKey
	from       common.Address
	httpClient *http.Client
	enabled    bool
}

// New builds the chain client. Pass empty rpcURL or privKeyHex for disabled mode.
func New(rpcURL, programAddr, privKeyHex string, chainID int64) (*Client, error) {
	c := &Client{
		rpcURL:     rpcURL,
		chainID:    big.NewInt(chainID),
		httpClient: &http.Client{Timeout: callTimeout},
	}

	if rpcURL == "" || privKeyHex == "" {
		log.Warn().Msg("⛓️ Chain client disabled (no RPC url or key) - instructions will be journaled only")
		return c, nil
	}

	if !common.IsHexAddress(programAddr) {
		return nil, fmt.Errorf("invalid program address %q", programAddr)
	}
	c.program = common.HexToAddress(programAddr)

	priv, err := crypto.HexToECDSA(strings.TrimPrefix(privKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid chain private key: %w", err)
	}
	c.priv = priv
	c.from = crypto.PubkeyToAddress(priv.PublicKey)
	c.enabled = true

	log.Info().
		Str("program", c.program.Hex()).
		Str("signer", c.from.Hex()).
		Int64("chain_id", chainID).
		Msg("⛓️ Chain client initialized")
	return c, nil
}

func (c *Client) Enabled() bool { return c.enabled }

// ═══════════════════════════════════════════════════════════════════════════════
// ACCOUNT DERIVATION
// ═══════════════════════════════════════════════════════════════════════════════

// leU64 encodes the run's numeric id as little-endian seed material; the
// derivation must match the deployed program byte for byte.
func leU64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

// RunAccount derives the program account for a run from ["run", run_id_le_u64].
func (c *Client) RunAccount(numericID uint64) common.Hash {
	return crypto.Keccak256Hash([]byte("run"), leU64(numericID))
}

// VaultAccount derives the collateral vault account from ["vault", run_id_le_u64].
func (c *Client) VaultAccount(numericID uint64) common.Hash {
	return crypto.Keccak256Hash([]byte("vault"), leU64(numericID))
}

// TradeAccount derives the per-round trade record account from
// ["trade", run_id_le_u64, round_u8].
func (c *Client) TradeAccount(numericID uint64, round int) common.Hash {
	return crypto.Keccak256Hash([]byte("trade"), leU64(numericID), []byte{byte(round)})
}

// PlatformAccount derives the one-time platform account from ["platform"].
func (c *Client) PlatformAccount() common.Hash {
	return crypto.Keccak256Hash([]byte("platform"))
}

// ═══════════════════════════════════════════════════════════════════════════════
// INSTRUCTIONS
// ═══════════════════════════════════════════════════════════════════════════════

// InitializePlatform is the one-time bootstrap; it fails on-chain if the
// platform account already exists.
func (c *Client) InitializePlatform(ctx context.Context, feeBps int64) error {
	data := pack(sigInitializePlatform, wordUint(uint64(feeBps)))
	return c.send(ctx, "initialize_platform", data)
}

// CreateRun creates the run account. Safe to re-submit: existence is checked
// first so a duplicate call is a no-op.
func (c *Client) CreateRun(ctx context.Context, numericID uint64, minDeposit, maxDeposit int64, maxParticipants int) error {
	exists, err := c.RunExists(ctx, numericID)
	if err != nil {
		return err
	}
	if exists {
		log.Debug().Uint64("run", numericID).Msg("create_run: account already exists, skipping")
		return nil
	}
	data := pack(sigCreateRun,
		wordUint(numericID),
		wordUint(uint64(minDeposit)),
		wordUint(uint64(maxDeposit)),
		wordUint(uint64(maxParticipants)),
	)
	return c.send(ctx, "create_run", data)
}

// CreateRunVault creates the collateral vault for a run; same idempotency as
// CreateRun.
func (c *Client) CreateRunVault(ctx context.Context, numericID uint64) error {
	data := pack(sigCreateRunVault, wordUint(numericID))
	return c.send(ctx, "create_run_vault", data)
}

// StartRun flips the run active on-chain; the program requires a non-zero
// participant count.
func (c *Client) StartRun(ctx context.Context, numericID uint64) error {
	data := pack(sigStartRun, wordUint(numericID))
	return c.send(ctx, "start_run", data)
}

// RecordTrade writes the advisory per-round trade record. Prices are 8dp
// fixed point; pnl is in the smallest collateral unit. Failures here are
// logged by callers but never fatal: the store row is the source of truth.
func (c *Client) RecordTrade(ctx context.Context, numericID uint64, round int, direction uint8, leverageTenths, sizePct int, entryPrice8, exitPrice8 uint64, pnl int64) error {
	data := pack(sigRecordTrade,
		wordUint(numericID),
		wordUint(uint64(round)),
		wordUint(uint64(direction)),
		wordUint(uint64(leverageTenths)),
		wordUint(uint64(sizePct)),
		wordUint(entryPrice8),
		wordUint(exitPrice8),
		wordInt(pnl),
	)
	return c.send(ctx, "record_trade", data)
}

// SettleRun submits the final balance and per-participant shares. Single
// shot: callers retry only on transient errors.
func (c *Client) SettleRun(ctx context.Context, numericID uint64, finalBalance int64, shares []Share) error {
	wallets := make([]common.Address, 0, len(shares))
	amounts := make([]uint64, 0, len(shares))
	for _, s := range shares {
		if !common.IsHexAddress(s.Wallet) {
			continue // off-chain participants are paid off-ledger
		}
		wallets = append(wallets, common.HexToAddress(s.Wallet))
		amounts = append(amounts, uint64(s.Amount))
	}
	data := packWithArrays(sigSettleRun, wordUint(numericID), wordUint(uint64(finalBalance)), wallets, amounts)
	return c.send(ctx, "settle_run", data)
}

// Withdraw releases one participant's share from the vault; the program keeps
// an on-chain marker so a repeat call is a no-op.
func (c *Client) Withdraw(ctx context.Context, numericID uint64, wallet string) error {
	if !common.IsHexAddress(wallet) {
		return fmt.Errorf("invalid wallet address %q", wallet)
	}
	data := pack(sigWithdraw, wordUint(numericID), wordAddress(common.HexToAddress(wallet)))
	return c.send(ctx, "withdraw", data)
}

// RunExists reads whether the run account was created.
func (c *Client) RunExists(ctx context.Context, numericID uint64) (bool, error) {
	if !c.enabled {
		return false, nil
	}
	data := pack(sigRunExists, c.RunAccount(numericID).Bytes())
	out, err := c.ethCall(ctx, data)
	if err != nil {
		return false, err
	}
	return len(out) == 32 && out[31] == 1, nil
}

// Sync self-heals an unsynced run: create_run followed by create_run_vault.
func (c *Client) Sync(ctx context.Context, numericID uint64, minDeposit, maxDeposit int64, maxParticipants int) error {
	if err := c.CreateRun(ctx, numericID, minDeposit, maxDeposit, maxParticipants); err != nil {
		return err
	}
	return c.CreateRunVault(ctx, numericID)
}

// ═══════════════════════════════════════════════════════════════════════════════
// ENCODING & TRANSPORT
// ═══════════════════════════════════════════════════════════════════════════════

func selector(sig string) []byte {
	return crypto.Keccak256([]byte(sig))[:4]
}

func wordUint(v uint64) []byte {
	w := make([]byte, 32)
	new(big.Int).SetUint64(v).FillBytes(w[0:32])
	return w
}

func wordInt(v int64) []byte {
	x := big.NewInt(v)
	if v < 0 {
		// two's complement over 256 bits
		mod := new(big.Int).Lsh(big.NewInt(1), 256)
		x = x.Add(x, mod)
	}
	w := make([]byte, 32)
	x.FillBytes(w)
	return w
}

func wordAddress(a common.Address) []byte {
	w := make([]byte, 32)
	copy(w[12:], a.Bytes())
	return w
}

func pack(sig string, words ...[]byte) []byte {
	out := selector(sig)
	for _, w := range words {
		out = append(out, w...)
	}
	return out
}

// packWithArrays encodes two trailing dynamic arrays (address[], uint64[])
// after the given static words.
func packWithArrays(sig string, staticA, staticB []byte, wallets []common.Address, amounts []uint64) []byte {
	head := 4 * 32 // two static words plus two offsets
	walletsOffset := head
	amountsOffset := head + 32 + len(wallets)*32

	var buf bytes.Buffer
	buf.Write(selector(sig))
	buf.Write(staticA)
	buf.Write(staticB)
	buf.Write(wordUint(uint64(walletsOffset)))
	buf.Write(wordUint(uint64(amountsOffset)))
	buf.Write(wordUint(uint64(len(wallets))))
	for _, w := range wallets {
		buf.Write(wordAddress(w))
	}
	buf.Write(wordUint(uint64(len(amounts))))
	for _, a := range amounts {
		buf.Write(wordUint(a))
	}
	return buf.Bytes()
}

// send signs and submits one instruction transaction.
func (c *Client) send(ctx context.Context, name string, data []byte) error {
	if !c.enabled {
		log.Debug().Str("instruction", name).Msg("chain disabled, skipping instruction")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	nonce, err := c.pendingNonce(ctx)
	if err != nil {
		return fmt.Errorf("%s: nonce: %w", name, err)
	}
	gasPrice, err := c.gasPrice(ctx)
	if err != nil {
		return fmt.Errorf("%s: gas price: %w", name, err)
	}

	tx := types.NewTransaction(nonce, c.program, big.NewInt(0), 500_000, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.priv)
	if err != nil {
		return fmt.Errorf("%s: sign: %w", name, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return fmt.Errorf("%s: encode: %w", name, err)
	}

	var txHash string
	if err := c.rpc(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(raw)}, &txHash); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	log.Info().Str("instruction", name).Str("tx", txHash).Msg("⛓️ Instruction submitted")
	return nil
}

func (c *Client) ethCall(ctx context.Context, data []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	call := map[string]string{
		"to":   c.program.Hex(),
		"data": hexutil.Encode(data),
	}
	var result string
	if err := c.rpc(ctx, "eth_call", []any{call, "latest"}, &result); err != nil {
		return nil, err
	}
	return hexutil.Decode(result)
}

func (c *Client) pendingNonce(ctx context.Context) (uint64, error) {
	var result string
	if err := c.rpc(ctx, "eth_getTransactionCount", []any{c.from.Hex(), "pending"}, &result); err != nil {
		return 0, err
	}
	return hexutil.DecodeUint64(result)
}

func (c *Client) gasPrice(ctx context.Context) (*big.Int, error) {
	var result string
	if err := c.rpc(ctx, "eth_gasPrice", []any{}, &result); err != nil {
		return nil, err
	}
	return hexutil.DecodeBig(result)
}

func (c *Client) rpc(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("%s: bad rpc response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil {
		return json.Unmarshal(rpcResp.Result, out)
	}
	return nil
}
