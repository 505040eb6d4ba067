// Package web3 supplements the distilled spec with the web3 tool group
// from the Rust prototype's tools/builtin/web3_tx.rs and
// local_burner_wallet.rs: a burner-wallet transaction lifecycle built
// on the Register Context's typed setters and the storage layer's
// QueuedTransaction (spec §3, §4.2). No Ethereum SDK (go-ethereum,
// ethers-equivalent) appears anywhere in the retrieval pack, so
// address handling, ERC20 calldata encoding, and signing are built on
// math/big, encoding/hex and crypto/sha256 rather than borrowing types
// from a library that was never in scope — see DESIGN.md.
package web3

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starkcore/starkcore/internal/register"
	"github.com/starkcore/starkcore/internal/storage"
	"github.com/starkcore/starkcore/internal/tools"
)

// NetworkConfig names one supported chain.
type NetworkConfig struct {
	ChainID  uint64
	Explorer string // tx explorer URL prefix, e.g. "https://basescan.org/tx"
}

// Config configures the web3 tool group.
type Config struct {
	// BurnerAddress is the operator-provisioned sending address. The
	// burner wallet's private key never enters this process — signing a
	// real transaction happens outside it (or via a future signer
	// wired to a real Ethereum SDK). The web3 handlers do not read this
	// address (queued transactions carry no sender field), and it is not
	// itself sufficient to broadcast anything.
	BurnerAddress string

	// Networks maps a network name ("base", "mainnet", ...) to its config.
	Networks map[string]NetworkConfig

	// ConfirmationTimeout is not read by the web3 handlers or the
	// scheduler; the scheduler's sweep marks a stale broadcast TxTimeout
	// using its own scheduler.Config.ConfirmationTimeout.
	ConfirmationTimeout time.Duration

	// Tokens is a static symbol -> ERC20 contract lookup table. A real
	// deployment would resolve this against a token list service; the
	// retrieval pack carries none, so this ships pre-seeded and
	// operator-extensible via config.
	Tokens map[string]register.TokenRef
}

// DefaultConfig returns a Config with the base network and a couple of
// well-known Base tokens, mirroring the Rust prototype's default network.
func DefaultConfig() Config {
	return Config{
		Networks: map[string]NetworkConfig{
			"base":    {ChainID: 8453, Explorer: "https://basescan.org/tx"},
			"mainnet": {ChainID: 1, Explorer: "https://etherscan.io/tx"},
		},
		ConfirmationTimeout: 2 * time.Minute,
		Tokens: map[string]register.TokenRef{
			"USDC": {Symbol: "USDC", Address: "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913", Decimals: 6},
			"WETH": {Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
		},
	}
}

// RegisterTools installs the web3 group into reg, following the
// teacher's builtin.go pattern of RegisterX(reg *Registry) but closing
// over the store and cfg the handlers need, since Handler's signature
// carries only (ctx, args, register).
func RegisterTools(reg *tools.Registry, store storage.Store, cfg Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tokens == nil {
		cfg = DefaultConfig()
	}

	reg.MustRegister(tools.Tool{
		Name:        "token_lookup",
		Group:       tools.GroupWeb3,
		Description: "resolve an ERC20 token symbol to its contract address and decimals",
		Schema: []tools.ArgSpec{
			{Name: "symbol", Kind: tools.ArgString, Required: true},
		},
		SideEffectClass: tools.PureRead,
		Enabled:         true,
		Handler:         tokenLookupHandler(cfg),
	})

	reg.MustRegister(tools.Tool{
		Name:        "erc20_transfer",
		Group:       tools.GroupWeb3,
		Description: "queue an ERC20 token transfer for later broadcast",
		Schema: []tools.ArgSpec{
			{Name: "token", Kind: tools.ArgString, Required: true},
			{Name: "to", Kind: tools.ArgString, Required: true},
			{Name: "amount", Kind: tools.ArgString, Required: true},
			{Name: "network", Kind: tools.ArgString, Required: false, Default: "base"},
		},
		SideEffectClass: tools.LocalWrite,
		Enabled:         true,
		Handler:         erc20TransferHandler(store, cfg, logger),
	})

	reg.MustRegister(tools.Tool{
		Name:        "broadcast_web3_tx",
		Group:       tools.GroupWeb3,
		Description: "sign and broadcast a previously queued transaction",
		Schema: []tools.ArgSpec{
			{Name: "tx_uuid", Kind: tools.ArgString, Required: true},
		},
		SideEffectClass: tools.Irreversible,
		Enabled:         true,
		Handler:         broadcastHandler(store, cfg, logger),
	})
}

func tokenLookupHandler(cfg Config) tools.Handler {
	return func(ctx context.Context, args map[string]any, reg *register.Register) (tools.Result, error) {
		symbol, _ := args["symbol"].(string)
		token, ok := cfg.Tokens[strings.ToUpper(symbol)]
		if !ok {
			return tools.Result{}, fmt.Errorf("web3: unknown token %q", symbol)
		}
		if err := reg.SetTokenRef("token", token); err != nil {
			return tools.Result{}, fmt.Errorf("web3: binding token register: %w", err)
		}
		return tools.Result{
			Text: fmt.Sprintf("%s: %s (%d decimals)", token.Symbol, token.Address, token.Decimals),
		}, nil
	}
}

func erc20TransferHandler(store storage.Store, cfg Config, logger *slog.Logger) tools.Handler {
	return func(ctx context.Context, args map[string]any, reg *register.Register) (tools.Result, error) {
		symbol, _ := args["token"].(string)
		to, _ := args["to"].(string)
		amount, _ := args["amount"].(string)
		network, _ := args["network"].(string)
		if network == "" {
			network = "base"
		}
		netCfg, ok := cfg.Networks[network]
		if !ok {
			return tools.Result{}, fmt.Errorf("web3: unknown network %q", network)
		}
		token, ok := cfg.Tokens[strings.ToUpper(symbol)]
		if !ok {
			return tools.Result{}, fmt.Errorf("web3: unknown token %q", symbol)
		}

		addr, err := register.ParseAddress(to)
		if err != nil {
			return tools.Result{}, fmt.Errorf("web3: %w", err)
		}
		if err := reg.SetAddress("send_to", addr); err != nil {
			return tools.Result{}, fmt.Errorf("web3: %w", err)
		}
		raw, err := register.ToRawAmount(amount, token.Decimals)
		if err != nil {
			return tools.Result{}, fmt.Errorf("web3: %w", err)
		}
		if err := reg.ToRawAmount("send_amount", amount, token.Decimals); err != nil {
			return tools.Result{}, fmt.Errorf("web3: %w", err)
		}

		calldata, err := encodeERC20Transfer(addr, raw)
		if err != nil {
			return tools.Result{}, fmt.Errorf("web3: encoding transfer calldata: %w", err)
		}
		if err := reg.SetBytes("calldata", calldata); err != nil {
			return tools.Result{}, fmt.Errorf("web3: %w", err)
		}

		tx := &storage.QueuedTransaction{
			UUID:      uuid.NewString(),
			Network:   network,
			To:        token.Address,
			Value:     "0",
			Data:      "0x" + hex.EncodeToString(calldata),
			GasLimit:  100_000,
			Status:    storage.TxPending,
			CreatedAt: time.Now(),
		}
		if err := store.EnqueueTx(ctx, tx); err != nil {
			return tools.Result{}, fmt.Errorf("web3: queuing transfer: %w", err)
		}
		if err := reg.SetDecoded("queued_tx_uuid", map[string]any{"uuid": tx.UUID}); err != nil {
			return tools.Result{}, fmt.Errorf("web3: %w", err)
		}
		logger.Info("web3: queued erc20 transfer", "uuid", tx.UUID, "network", network, "token", token.Symbol, "chain_id", netCfg.ChainID)

		return tools.Result{
			Text: fmt.Sprintf("queued transfer of %s %s to %s (tx %s), awaiting broadcast", amount, token.Symbol, addr, tx.UUID),
		}, nil
	}
}

func broadcastHandler(store storage.Store, cfg Config, logger *slog.Logger) tools.Handler {
	return func(ctx context.Context, args map[string]any, reg *register.Register) (tools.Result, error) {
		txUUID, _ := args["tx_uuid"].(string)
		tx, err := store.GetTx(ctx, txUUID)
		if err != nil {
			return tools.Result{}, fmt.Errorf("web3: loading queued tx: %w", err)
		}
		if tx.Status != storage.TxPending {
			return tools.Result{}, fmt.Errorf("web3: tx %s is not pending (status=%s)", txUUID, tx.Status)
		}
		netCfg, ok := cfg.Networks[tx.Network]
		if !ok {
			return tools.Result{}, fmt.Errorf("web3: unknown network %q", tx.Network)
		}

		txHash := stubTxHash(tx)
		if err := store.UpdateTxStatus(ctx, tx.UUID, storage.TxBroadcast, txHash); err != nil {
			return tools.Result{}, fmt.Errorf("web3: updating tx status: %w", err)
		}
		logger.Info("web3: broadcast tx", "uuid", tx.UUID, "hash", txHash, "network", tx.Network)

		return tools.Result{
			Text: fmt.Sprintf("broadcast: %s/%s", netCfg.Explorer, txHash),
		}, nil
	}
}

// encodeERC20Transfer builds the calldata for transfer(address,uint256):
// the 4-byte selector (the first 4 bytes of keccak256("transfer(address,uint256)"),
// hardcoded since no Ethereum SDK in the pack exposes keccak256) followed
// by the 32-byte left-padded address and 32-byte left-padded amount.
func encodeERC20Transfer(to, rawAmount string) ([]byte, error) {
	const transferSelector = "a9059cbb"
	addrHex := strings.TrimPrefix(to, "0x")

	amount, ok := new(big.Int).SetString(rawAmount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", rawAmount)
	}
	amountHex := amount.Text(16)

	selector, err := hex.DecodeString(transferSelector)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 4+32+32)
	out = append(out, selector...)
	out = append(out, leftPad32(addrHex)...)
	out = append(out, leftPad32(amountHex)...)
	return out, nil
}

func leftPad32(hexStr string) []byte {
	if len(hexStr)%2 != 0 {
		hexStr = "0" + hexStr
	}
	b, _ := hex.DecodeString(hexStr)
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// stubTxHash stands in for a real secp256k1 signature + keccak256 hash,
// which would require an Ethereum SDK that no example repo carries.
// It is deterministic per (uuid, to, data, value) so tests can assert
// against it, and is clearly not a valid on-chain transaction hash.
func stubTxHash(tx *storage.QueuedTransaction) string {
	sum := sha256.Sum256([]byte(tx.UUID + tx.To + tx.Data + tx.Value))
	return "0x" + hex.EncodeToString(sum[:])
}
