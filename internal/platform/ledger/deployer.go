// Package ledger deploys markets to the prediction-market contract.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/alanyoungcy/marketforge/internal/crypto"
)

// ChainClient is the subset of the JSON-RPC client the deployer needs.
// *ethclient.Client satisfies it.
type ChainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Config holds the contract coordinates and confirmation bounds.
type Config struct {
	ContractAddress string
	PoolAddress     string
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
	// GasLimit is used when gas estimation fails.
	GasLimit uint64
}

// Request describes one market to put on the ledger.
type Request struct {
	MarketID       string
	Title          string
	CallbackURL    string
	YesProbability float64
	NoProbability  float64
	// OnSubmitted, when set, is called with the transaction hash once the
	// ledger accepted the transaction and before its receipt is awaited.
	OnSubmitted func(txHash string)
}

// Deployer sends createMarket transactions and waits for them to confirm.
// A Deployer with missing pieces is valid: every Deploy then fails cleanly.
type Deployer struct {
	cfg      Config
	client   ChainClient
	signer   *crypto.TxSigner
	contract common.Address
	pool     common.Address
	nonces   nonceTracker
	logger   *slog.Logger
}

// New creates a Deployer. client and signer may be nil when the RPC endpoint
// or the credential is not configured.
func New(cfg Config, client ChainClient, signer *crypto.TxSigner, logger *slog.Logger) *Deployer {
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 500_000
	}
	d := &Deployer{
		cfg:    cfg,
		client: client,
		signer: signer,
		logger: logger.With(slog.String("component", "ledger")),
	}
	if common.IsHexAddress(cfg.ContractAddress) {
		d.contract = common.HexToAddress(cfg.ContractAddress)
	}
	if common.IsHexAddress(cfg.PoolAddress) {
		d.pool = common.HexToAddress(cfg.PoolAddress)
	}
	return d
}

// Dial connects to rpcURL and returns a Deployer plus a close function. An
// empty rpcURL yields an unconfigured Deployer rather than an error.
func Dial(ctx context.Context, rpcURL string, cfg Config, signer *crypto.TxSigner, logger *slog.Logger) (*Deployer, func(), error) {
	if rpcURL == "" {
		return New(cfg, nil, signer, logger), func() {}, nil
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger: dial %s: %w", rpcURL, err)
	}
	return New(cfg, client, signer, logger), client.Close, nil
}

// Configured reports whether Deploy can reach the ledger at all.
func (d *Deployer) Configured() bool {
	return len(d.missing()) == 0
}

func (d *Deployer) missing() []string {
	var out []string
	if d.client == nil {
		out = append(out, "rpc_url")
	}
	if d.signer == nil {
		out = append(out, "credential")
	}
	if d.contract == (common.Address{}) {
		out = append(out, "contract_address")
	}
	if d.pool == (common.Address{}) {
		out = append(out, "pool_address")
	}
	return out
}

// Deploy creates the market on the ledger and blocks until the transaction
// confirms or the confirm timeout elapses. It never panics and never retries;
// ok is true only for a confirmed, successful receipt.
func (d *Deployer) Deploy(ctx context.Context, req Request) (txHash string, ok bool) {
	log := d.logger.With(slog.String("market_id", req.MarketID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("deploy panicked", slog.Any("panic", r))
			txHash, ok = "", false
		}
	}()

	start := time.Now()
	hash, err := d.deploy(ctx, req)
	if err != nil {
		log.Error("deploy failed",
			slog.String("title", req.Title),
			slog.String("tx_hash", hashString(hash)),
			slog.String("error", err.Error()),
		)
		return hashString(hash), false
	}
	log.Info("market deployed",
		slog.String("tx_hash", hash.Hex()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return hash.Hex(), true
}

var errReceiptFailed = errors.New("ledger: transaction reverted")

// ErrReceiptPending is returned by Confirmed while the ledger has no receipt
// for the transaction.
var ErrReceiptPending = errors.New("ledger: receipt not found")

// Confirmed looks up the receipt of an earlier deployment. It reports true
// for a successful receipt and false for a reverted one.
func (d *Deployer) Confirmed(ctx context.Context, txHash string) (bool, error) {
	if d.client == nil {
		return false, errors.New("ledger: not configured: missing rpc_url")
	}
	receipt, err := d.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	switch {
	case errors.Is(err, ethereum.NotFound), err == nil && receipt == nil:
		return false, ErrReceiptPending
	case err != nil:
		return false, fmt.Errorf("ledger: receipt %s: %w", txHash, err)
	}
	return receipt.Status == types.ReceiptStatusSuccessful, nil
}

func (d *Deployer) deploy(ctx context.Context, req Request) (common.Hash, error) {
	if missing := d.missing(); len(missing) > 0 {
		return common.Hash{}, fmt.Errorf("ledger: not configured: missing %s", strings.Join(missing, ", "))
	}

	reqHash, err := RequestHash(req.CallbackURL)
	if err != nil {
		return common.Hash{}, err
	}
	yesPrice, noPrice := EncodePrices(req.YesProbability)
	data, err := marketABI.Pack("createMarket", MarketKey(req.MarketID), reqHash, yesPrice, noPrice, d.pool)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: pack createMarket: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ConfirmTimeout)
	defer cancel()

	gasPrice, err := d.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: suggest gas price: %w", err)
	}
	from := d.signer.Address()
	gas := d.estimateGas(ctx, from, data)

	tx, err := d.nonces.send(ctx, d.client, from, func(nonce uint64) (*types.Transaction, error) {
		return d.signer.Sign(types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &d.contract,
			Gas:      gas,
			GasPrice: gasPrice,
			Data:     data,
		}))
	})
	if err != nil {
		return common.Hash{}, err
	}
	if req.OnSubmitted != nil {
		req.OnSubmitted(tx.Hash().Hex())
	}

	receipt, err := d.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return tx.Hash(), err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash(), fmt.Errorf("%w in block %v", errReceiptFailed, receipt.BlockNumber)
	}
	return tx.Hash(), nil
}

func (d *Deployer) estimateGas(ctx context.Context, from common.Address, data []byte) uint64 {
	est, err := d.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &d.contract, Data: data})
	if err != nil || est == 0 {
		if err != nil {
			d.logger.Warn("gas estimation failed, using configured limit",
				slog.Uint64("gas_limit", d.cfg.GasLimit),
				slog.String("error", err.Error()),
			)
		}
		return d.cfg.GasLimit
	}
	return est + est/5
}

func (d *Deployer) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := d.client.TransactionReceipt(ctx, hash)
		switch {
		case err == nil && receipt != nil:
			return receipt, nil
		case err != nil && !errors.Is(err, ethereum.NotFound):
			d.logger.Debug("receipt poll error", slog.String("tx_hash", hash.Hex()), slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("ledger: awaiting receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// nonceTracker hands out strictly increasing nonces for the deployer account.
// It seeds from the pending nonce and resyncs after a failed broadcast.
type nonceTracker struct {
	mu     sync.Mutex
	next   uint64
	synced bool
}

func (n *nonceTracker) send(ctx context.Context, client ChainClient, from common.Address, build func(nonce uint64) (*types.Transaction, error)) (*types.Transaction, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.synced {
		pending, err := client.PendingNonceAt(ctx, from)
		if err != nil {
			return nil, fmt.Errorf("ledger: pending nonce: %w", err)
		}
		if pending > n.next {
			n.next = pending
		}
		n.synced = true
	}

	tx, err := build(n.next)
	if err != nil {
		return nil, err
	}
	if err := client.SendTransaction(ctx, tx); err != nil {
		n.synced = false
		return nil, fmt.Errorf("ledger: send transaction: %w", err)
	}
	n.next++
	return tx, nil
}

func hashString(h common.Hash) string {
	if h == (common.Hash{}) {
		return ""
	}
	return h.Hex()
}
