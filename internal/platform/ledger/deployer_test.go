package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketforge/internal/crypto"
)

const (
	testKey      = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testPool     = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
)

type fakeChain struct {
	mu           sync.Mutex
	pending      uint64
	pendingCalls int
	sent         []*types.Transaction
	sendErr      error
	estimateErr  error
	status       uint64
	noReceipt    bool
	panicOnSend  bool
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingCalls++
	return f.pending, nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnSend {
		panic("rpc exploded")
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.pending++
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.noReceipt {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: f.status, TxHash: hash, BlockNumber: big.NewInt(42)}, nil
}

func testSigner(t *testing.T) *crypto.TxSigner {
	t.Helper()
	key, err := crypto.LoadKey(crypto.KeyConfig{RawPrivateKey: testKey})
	require.NoError(t, err)
	return crypto.NewTxSigner(key, big.NewInt(31337))
}

func newTestDeployer(t *testing.T, chain ChainClient, signer *crypto.TxSigner) *Deployer {
	return New(Config{
		ContractAddress: testContract,
		PoolAddress:     testPool,
		ConfirmTimeout:  200 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
	}, chain, signer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sampleRequest() Request {
	return Request{
		MarketID:       "m-1",
		Title:          "Will it rain?",
		CallbackURL:    "http://localhost:8000/resolutions/m-1/outcome",
		YesProbability: 0.6,
		NoProbability:  0.4,
	}
}

func TestDeployBuildsCreateMarketCall(t *testing.T) {
	chain := &fakeChain{pending: 3, status: types.ReceiptStatusSuccessful}
	d := newTestDeployer(t, chain, testSigner(t))

	hash, ok := d.Deploy(context.Background(), sampleRequest())
	require.True(t, ok)
	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, uint64(3), tx.Nonce())
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, common.HexToAddress(testContract), *tx.To())

	method := marketABI.Methods["createMarket"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Len(t, args, 5)

	wantKey := ethcrypto.Keccak256Hash([]byte("m-1"))
	assert.Equal(t, [32]byte(wantKey), args[0])
	wantReq, err := RequestHash(sampleRequest().CallbackURL)
	require.NoError(t, err)
	assert.Equal(t, wantReq, args[1])
	assert.Equal(t, "600000000000000000", args[2].(*big.Int).String())
	assert.Equal(t, "400000000000000000", args[3].(*big.Int).String())
	assert.Equal(t, common.HexToAddress(testPool), args[4])

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(31337)), tx)
	require.NoError(t, err)
	assert.Equal(t, testSigner(t).Address(), from)
}

func TestDeployNoncesIncreaseAndResync(t *testing.T) {
	chain := &fakeChain{pending: 10, status: types.ReceiptStatusSuccessful}
	d := newTestDeployer(t, chain, testSigner(t))

	_, ok := d.Deploy(context.Background(), sampleRequest())
	require.True(t, ok)
	_, ok = d.Deploy(context.Background(), sampleRequest())
	require.True(t, ok)
	assert.Equal(t, uint64(10), chain.sent[0].Nonce())
	assert.Equal(t, uint64(11), chain.sent[1].Nonce())
	assert.Equal(t, 1, chain.pendingCalls)

	chain.sendErr = errors.New("nonce too low")
	_, ok = d.Deploy(context.Background(), sampleRequest())
	assert.False(t, ok)

	chain.sendErr = nil
	_, ok = d.Deploy(context.Background(), sampleRequest())
	require.True(t, ok)
	assert.Equal(t, 2, chain.pendingCalls)
	assert.Equal(t, uint64(12), chain.sent[2].Nonce())
}

func TestDeployFailurePaths(t *testing.T) {
	tests := []struct {
		name   string
		chain  *fakeChain
		signer bool
		cfg    func(*Config)
	}{
		{name: "reverted receipt", chain: &fakeChain{status: types.ReceiptStatusFailed}, signer: true},
		{name: "confirmation timeout", chain: &fakeChain{noReceipt: true}, signer: true},
		{name: "panic in client", chain: &fakeChain{panicOnSend: true}, signer: true},
		{name: "no credential", chain: &fakeChain{status: types.ReceiptStatusSuccessful}},
		{name: "no pool", chain: &fakeChain{status: types.ReceiptStatusSuccessful}, signer: true,
			cfg: func(c *Config) { c.PoolAddress = "" }},
		{name: "no contract", chain: &fakeChain{status: types.ReceiptStatusSuccessful}, signer: true,
			cfg: func(c *Config) { c.ContractAddress = "not-an-address" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{
				ContractAddress: testContract,
				PoolAddress:     testPool,
				ConfirmTimeout:  50 * time.Millisecond,
				PollInterval:    5 * time.Millisecond,
			}
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			var signer *crypto.TxSigner
			if tt.signer {
				signer = testSigner(t)
			}
			d := New(cfg, tt.chain, signer, slog.New(slog.NewTextHandler(io.Discard, nil)))

			assert.NotPanics(t, func() {
				_, ok := d.Deploy(context.Background(), sampleRequest())
				assert.False(t, ok)
			})
		})
	}
}

func TestDeployWithoutRPCIsUnconfigured(t *testing.T) {
	d, closeFn, err := Dial(context.Background(), "", Config{ContractAddress: testContract, PoolAddress: testPool}, testSigner(t), slog.Default())
	require.NoError(t, err)
	defer closeFn()
	assert.False(t, d.Configured())
	_, ok := d.Deploy(context.Background(), sampleRequest())
	assert.False(t, ok)
}

func TestDeployFallsBackToConfiguredGas(t *testing.T) {
	chain := &fakeChain{status: types.ReceiptStatusSuccessful, estimateErr: errors.New("execution reverted")}
	d := newTestDeployer(t, chain, testSigner(t))
	_, ok := d.Deploy(context.Background(), sampleRequest())
	require.True(t, ok)
	assert.Equal(t, uint64(500_000), chain.sent[0].Gas())
}

func TestDeployReportsSubmissionBeforeReceipt(t *testing.T) {
	chain := &fakeChain{pending: 1, noReceipt: true}
	d := newTestDeployer(t, chain, testSigner(t))

	var submitted []string
	req := sampleRequest()
	req.OnSubmitted = func(h string) { submitted = append(submitted, h) }

	hash, ok := d.Deploy(context.Background(), req)
	assert.False(t, ok, "no receipt before the confirm timeout")
	require.Len(t, chain.sent, 1)
	assert.Equal(t, []string{chain.sent[0].Hash().Hex()}, submitted)
	assert.Equal(t, submitted[0], hash)
}

func TestConfirmed(t *testing.T) {
	ctx := context.Background()
	hash := "0x" + common.Bytes2Hex(make([]byte, 32))

	ok, err := newTestDeployer(t, &fakeChain{status: types.ReceiptStatusSuccessful}, nil).Confirmed(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = newTestDeployer(t, &fakeChain{status: types.ReceiptStatusFailed}, nil).Confirmed(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = newTestDeployer(t, &fakeChain{noReceipt: true}, nil).Confirmed(ctx, hash)
	assert.ErrorIs(t, err, ErrReceiptPending)

	_, err = New(Config{}, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil))).Confirmed(ctx, hash)
	assert.Error(t, err)
}
