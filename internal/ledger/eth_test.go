package ledger

import (
	"bytes"
	"context"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChain mines every sent transaction immediately.
type fakeChain struct {
	mu         sync.Mutex
	settlement common.Address
	sent       []*types.Transaction
	receipts   map[common.Hash]*types.Receipt
	revert     bool
	logs       []types.Log
	head       uint64
	balance    *big.Int
}

func newFakeChain(settlement string) *fakeChain {
	return &fakeChain{
		settlement: common.HexToAddress(settlement),
		receipts:   make(map[common.Hash]*types.Receipt),
		head:       100,
		balance:    big.NewInt(0),
	}
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeChain) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeChain) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	r := &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: new(big.Int).SetUint64(f.head), TxHash: tx.Hash()}
	if f.revert {
		r.Status = types.ReceiptStatusFailed
	}
	if bytes.HasPrefix(tx.Data(), settlement.Methods["createJob"].ID) {
		ev := settlement.Events["JobCreated"]
		data, _ := ev.Inputs.NonIndexed().Pack(big.NewInt(1), [32]byte{})
		r.Logs = []*types.Log{{
			Address: f.settlement,
			Topics:  []common.Hash{ev.ID, common.BigToHash(big.NewInt(17)), {}, {}},
			Data:    data,
			TxHash:  tx.Hash(),
		}}
	}
	f.receipts[tx.Hash()] = r
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == h {
			return tx, false, nil
		}
	}
	return nil, false, ethereum.NotFound
}

func (f *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return common.LeftPadBytes(f.balance.Bytes(), 32), nil
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(7), nil
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeChain) HeaderByNumber(_ context.Context, n *big.Int) (*types.Header, error) {
	return &types.Header{Number: n, Time: 1_800_000_000}, nil
}

func (f *fakeChain) FilterLogs(context.Context, ethereum.FilterQuery) ([]types.Log, error) {
	return f.logs, nil
}

const (
	testSettlement = "0x5555555555555555555555555555555555555555"
	testToken      = "0x6666666666666666666666666666666666666666"
)

func newTestEth(t *testing.T) (*EthGateway, *fakeChain, string, string) {
	t.Helper()
	opKey, _ := newHexKey(t)
	buyerKey, buyer := newHexKey(t)
	ring, err := NewKeyring(buyerKey)
	require.NoError(t, err)

	chain := newFakeChain(testSettlement)
	g, err := NewEthGateway(chain, ring, EthConfig{
		ChainID:            84532,
		OperatorPrivateKey: opKey,
		SettlementContract: testSettlement,
		USDCContract:       testToken,
		FeeBps:             500,
		ReceiptPoll:        time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return g, chain, buyer, opKey
}

func TestEthGateway_CreateSettlementJob(t *testing.T) {
	g, chain, buyer, _ := newTestEth(t)

	receipt, err := g.CreateSettlementJob(context.Background(), JobRequest{
		BuyerWallet:    Wallet{ID: "w1", Address: buyer},
		SellerWallet:   &Wallet{ID: "w2", Address: freelancerAddr}, // no key: warn and continue
		Counterparty:   freelancerAddr,
		Amount:         big.NewInt(1_000_000_000),
		IdempotencyKey: "7f3c1a1e-7b0a-4a52-9a43-2e0b8f3bb001",
	})
	require.NoError(t, err)
	assert.Equal(t, "17", receipt.JobID)
	require.Len(t, chain.sent, 2, "approve then createJob")

	approve := chain.sent[0]
	assert.Equal(t, common.HexToAddress(testToken), *approve.To())
	args, err := erc20.Methods["approve"].Inputs.Unpack(approve.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, int64(1_100_000_000), args[1].(*big.Int).Int64(), "amount plus both fees")
	assert.Equal(t, common.HexToAddress(testSettlement), *chain.sent[1].To())
}

func TestEthGateway_UnknownWallet(t *testing.T) {
	g, chain, _, _ := newTestEth(t)
	_, err := g.RaiseDispute(context.Background(), Wallet{Address: freelancerAddr}, "1")
	assert.ErrorIs(t, err, ErrUnknownWallet)
	assert.Empty(t, chain.sent)
}

func TestEthGateway_Revert(t *testing.T) {
	g, chain, buyer, _ := newTestEth(t)
	chain.revert = true
	_, err := g.ReleaseFunds(context.Background(), Wallet{Address: buyer}, "3")
	assert.ErrorIs(t, err, ErrReverted)
}

func TestEthGateway_OperatorCallsAndValidation(t *testing.T) {
	g, chain, _, _ := newTestEth(t)
	ctx := context.Background()

	_, err := g.EscalateToVoting(ctx, "3", 172800)
	require.NoError(t, err)
	_, err = g.EscalateToVoting(ctx, "3", 0)
	assert.Error(t, err)
	_, err = g.CastVote(ctx, Wallet{Address: freelancerAddr}, "3", 101)
	assert.Error(t, err)
	_, err = g.FinalizeVoting(ctx, "not-a-number")
	assert.Error(t, err)
	assert.Len(t, chain.sent, 1)
}

func TestEthGateway_VerifyTransaction(t *testing.T) {
	g, chain, _, _ := newTestEth(t)
	ctx := context.Background()

	ref, err := g.CheckDeadline(ctx, "3")
	require.NoError(t, err)
	chain.head = 104

	info, err := g.VerifyTransaction(ctx, ref)
	require.NoError(t, err)
	assert.True(t, info.Exists)
	assert.True(t, info.Confirmed)
	assert.Equal(t, uint64(5), info.Confirmations)
	assert.Equal(t, strings.ToLower(testSettlement), info.To)

	info, err = g.VerifyTransaction(ctx, "0x"+strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.False(t, info.Exists)
}

func TestEthGateway_QueryDepositsAndBalances(t *testing.T) {
	g, chain, _, _ := newTestEth(t)
	ctx := context.Background()
	chain.balance = big.NewInt(2_500_000)
	chain.logs = []types.Log{
		{
			Topics:      []common.Hash{TransferTopic, addrTopic(clientAddr), addrTopic(freelancerAddr)},
			Data:        common.LeftPadBytes(big.NewInt(50_000_000).Bytes(), 32),
			TxHash:      common.HexToHash("0x01"),
			BlockNumber: 90,
		},
		{Topics: []common.Hash{TransferTopic}, Removed: true},
	}

	deps, err := g.QueryDeposits(ctx, freelancerAddr)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, clientAddr, deps[0].From)
	assert.Equal(t, int64(50_000_000), deps[0].Value.Int64())
	assert.Equal(t, int64(1_800_000_000), deps[0].Timestamp.Unix())

	b, err := g.GetBalances(ctx, testSettlement)
	require.NoError(t, err)
	assert.Equal(t, int64(2_500_000), b.Token.Int64())
	assert.Equal(t, int64(7), b.Native.Int64())
}
