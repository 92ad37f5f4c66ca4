package ledger

import (
	"context"
	"crypto/ecdsa"
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
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/usdc"
)

// EthClient is the subset of *ethclient.Client the gateway needs.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

const (
	// DefaultGasLimit is used when estimation fails.
	DefaultGasLimit = uint64(300_000)

	// ReceiptPollInterval between receipt checks
	ReceiptPollInterval = 2 * time.Second

	// DefaultDepositLookback is how far back QueryDeposits scans (blocks).
	DefaultDepositLookback = uint64(5_000)
)

// EthConfig configures an EthGateway.
type EthConfig struct {
	ChainID            int64
	OperatorPrivateKey string
	SettlementContract string
	USDCContract       string
	FeeBps             int64
	DepositLookback    uint64
	ReceiptPoll        time.Duration
}

// EthGateway talks to the settlement contract over JSON-RPC. Party actions
// are signed with the party's custody key; escalation, deadline checks and
// finalization are signed by the operator key.
type EthGateway struct {
	client       EthClient
	keys         *Keyring
	operator     *ecdsa.PrivateKey
	operatorAddr common.Address
	chainID      *big.Int
	settlement   common.Address
	token        common.Address
	feeBps       int64
	lookback     uint64
	poll         time.Duration
	logger       *slog.Logger

	headerMu sync.Mutex
	headers  map[uint64]time.Time
}

var _ Gateway = (*EthGateway)(nil)

// NewEthGateway builds a gateway over client. keys may be nil when no
// custody keys are configured.
func NewEthGateway(client EthClient, keys *Keyring, cfg EthConfig, logger *slog.Logger) (*EthGateway, error) {
	op, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.OperatorPrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid operator key: %w", err)
	}
	if !common.IsHexAddress(cfg.SettlementContract) || !common.IsHexAddress(cfg.USDCContract) {
		return nil, errors.New("ledger: settlement and USDC contract addresses are required")
	}
	if keys == nil {
		keys, _ = NewKeyring()
	}
	if cfg.DepositLookback == 0 {
		cfg.DepositLookback = DefaultDepositLookback
	}
	if cfg.ReceiptPoll <= 0 {
		cfg.ReceiptPoll = ReceiptPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EthGateway{
		client:       client,
		keys:         keys,
		operator:     op,
		operatorAddr: crypto.PubkeyToAddress(op.PublicKey),
		chainID:      big.NewInt(cfg.ChainID),
		settlement:   common.HexToAddress(cfg.SettlementContract),
		token:        common.HexToAddress(cfg.USDCContract),
		feeBps:       cfg.FeeBps,
		lookback:     cfg.DepositLookback,
		poll:         cfg.ReceiptPoll,
		logger:       logger,
		headers:      make(map[uint64]time.Time),
	}, nil
}

// SettlementAddress is the contract the watcher should filter on.
func (g *EthGateway) SettlementAddress() common.Address { return g.settlement }

// CreateSettlementJob approves the token allowance for both sides and then
// creates the job from the buyer's wallet.
func (g *EthGateway) CreateSettlementJob(ctx context.Context, req JobRequest) (JobReceipt, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return JobReceipt{}, &CallError{Op: "createJob", Err: errors.New("amount must be positive")}
	}
	if !common.IsHexAddress(req.Counterparty) {
		return JobReceipt{}, &CallError{Op: "createJob", Err: fmt.Errorf("invalid counterparty %q", req.Counterparty)}
	}
	buyerKey, err := g.keys.Key(req.BuyerWallet.Address)
	if err != nil {
		return JobReceipt{}, &CallError{Op: "createJob", Err: err}
	}

	fee := usdc.Bps(req.Amount, g.feeBps)
	buyerAllowance := usdc.Sum(req.Amount, fee, fee)
	if _, err := g.approve(ctx, buyerKey, buyerAllowance); err != nil {
		return JobReceipt{}, err
	}

	if req.SellerWallet != nil {
		sellerKey, err := g.keys.Key(req.SellerWallet.Address)
		switch {
		case err != nil:
			g.logger.Warn("seller wallet cannot pre-approve fee",
				"seller", req.SellerWallet.Address, "error", err)
		default:
			if _, err := g.approve(ctx, sellerKey, fee); err != nil {
				return JobReceipt{}, err
			}
		}
	}

	data, err := settlement.Pack("createJob", common.HexToAddress(req.Counterparty), req.Amount, keyToBytes32(req.IdempotencyKey))
	if err != nil {
		return JobReceipt{}, &CallError{Op: "createJob", Err: err}
	}
	receipt, txRef, err := g.transact(ctx, "createJob", buyerKey, g.settlement, data)
	if err != nil {
		return JobReceipt{}, err
	}

	out := JobReceipt{TxRef: txRef}
	for _, lg := range receipt.Logs {
		if lg.Address != g.settlement {
			continue
		}
		ev, ok, err := DecodeLog(*lg)
		if err == nil && ok && ev.Type == EventJobCreated {
			out.JobID = ev.JobID
			break
		}
	}
	return out, nil
}

func (g *EthGateway) RaiseDispute(ctx context.Context, wallet Wallet, jobID string) (string, error) {
	return g.partyCall(ctx, "raiseDispute", wallet, jobID)
}

func (g *EthGateway) CastVote(ctx context.Context, wallet Wallet, jobID string, percent int) (string, error) {
	if percent < 0 || percent > 100 {
		return "", &CallError{Op: "castVote", Err: fmt.Errorf("percent %d out of range", percent)}
	}
	return g.partyCall(ctx, "castVote", wallet, jobID, uint8(percent)) //nolint:gosec // bounded above
}

func (g *EthGateway) ReleaseFunds(ctx context.Context, wallet Wallet, jobID string) (string, error) {
	return g.partyCall(ctx, "releaseFunds", wallet, jobID)
}

func (g *EthGateway) AcceptVerdict(ctx context.Context, wallet Wallet, jobID string) (string, error) {
	return g.partyCall(ctx, "acceptVerdict", wallet, jobID)
}

func (g *EthGateway) RejectVerdict(ctx context.Context, wallet Wallet, jobID string) (string, error) {
	return g.partyCall(ctx, "rejectVerdict", wallet, jobID)
}

func (g *EthGateway) EscalateToVoting(ctx context.Context, jobID string, durationSeconds int64) (string, error) {
	if durationSeconds <= 0 {
		return "", &CallError{Op: "escalateToDAO", Err: errors.New("duration must be positive")}
	}
	return g.operatorCall(ctx, "escalateToDAO", jobID, big.NewInt(durationSeconds))
}

func (g *EthGateway) CheckDeadline(ctx context.Context, jobID string) (string, error) {
	return g.operatorCall(ctx, "checkAIDeadline", jobID)
}

func (g *EthGateway) FinalizeVoting(ctx context.Context, jobID string) (string, error) {
	return g.operatorCall(ctx, "finalizeVoting", jobID)
}

// VerifyTransaction reports whether txRef exists and how deeply it is
// confirmed. For token transfers Value is the transferred token amount.
func (g *EthGateway) VerifyTransaction(ctx context.Context, txRef string) (TxInfo, error) {
	hash := common.HexToHash(txRef)
	tx, pending, err := g.client.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return TxInfo{Exists: false}, nil
	}
	if err != nil {
		return TxInfo{}, &CallError{Op: "verifyTransaction", TxRef: txRef, Err: err}
	}

	info := TxInfo{Exists: true, Value: tx.Value()}
	if from, err := types.Sender(types.LatestSignerForChainID(g.chainID), tx); err == nil {
		info.From = strings.ToLower(from.Hex())
	}
	if tx.To() != nil {
		info.To = strings.ToLower(tx.To().Hex())
	}
	if pending {
		return info, nil
	}

	receipt, err := g.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return TxInfo{}, &CallError{Op: "verifyTransaction", TxRef: txRef, Err: err}
	}
	info.BlockNumber = receipt.BlockNumber.Uint64()
	info.Confirmed = receipt.Status == types.ReceiptStatusSuccessful
	if head, err := g.client.BlockNumber(ctx); err == nil && head >= info.BlockNumber {
		info.Confirmations = head - info.BlockNumber + 1
	}
	for _, lg := range receipt.Logs {
		if lg.Address == g.token && len(lg.Topics) == 3 && lg.Topics[0] == TransferTopic {
			info.To = strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex())
			info.Value = new(big.Int).SetBytes(lg.Data)
			break
		}
	}
	return info, nil
}

func (g *EthGateway) GetBalances(ctx context.Context, address string) (Balances, error) {
	if !common.IsHexAddress(address) {
		return Balances{}, &CallError{Op: "getBalances", Err: fmt.Errorf("invalid address %q", address)}
	}
	addr := common.HexToAddress(address)

	data, err := erc20.Pack("balanceOf", addr)
	if err != nil {
		return Balances{}, &CallError{Op: "getBalances", Err: err}
	}
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{To: &g.token, Data: data}, nil)
	if err != nil {
		return Balances{}, &CallError{Op: "getBalances", Err: err}
	}
	native, err := g.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return Balances{}, &CallError{Op: "getBalances", Err: err}
	}
	return Balances{
		Address: strings.ToLower(addr.Hex()),
		Token:   new(big.Int).SetBytes(out),
		Native:  native,
	}, nil
}

// QueryDeposits lists token transfers into address over the lookback window.
func (g *EthGateway) QueryDeposits(ctx context.Context, address string) ([]Deposit, error) {
	if !common.IsHexAddress(address) {
		return nil, &CallError{Op: "queryDeposits", Err: fmt.Errorf("invalid address %q", address)}
	}
	head, err := g.client.BlockNumber(ctx)
	if err != nil {
		return nil, &CallError{Op: "queryDeposits", Err: err}
	}
	from := uint64(0)
	if head > g.lookback {
		from = head - g.lookback
	}

	to := common.BytesToHash(common.HexToAddress(address).Bytes())
	logs, err := g.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{g.token},
		Topics:    [][]common.Hash{{TransferTopic}, nil, {to}},
	})
	if err != nil {
		return nil, &CallError{Op: "queryDeposits", Err: err}
	}

	deposits := make([]Deposit, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 3 || lg.Removed {
			continue
		}
		deposits = append(deposits, Deposit{
			TxRef:       lg.TxHash.Hex(),
			From:        strings.ToLower(common.BytesToAddress(lg.Topics[1].Bytes()).Hex()),
			To:          strings.ToLower(common.BytesToAddress(lg.Topics[2].Bytes()).Hex()),
			Value:       new(big.Int).SetBytes(lg.Data),
			BlockNumber: lg.BlockNumber,
			Timestamp:   g.blockTime(ctx, lg.BlockNumber),
		})
	}
	return deposits, nil
}

func (g *EthGateway) blockTime(ctx context.Context, n uint64) time.Time {
	g.headerMu.Lock()
	t, ok := g.headers[n]
	g.headerMu.Unlock()
	if ok {
		return t
	}
	h, err := g.client.HeaderByNumber(ctx, new(big.Int).SetUint64(n))
	if err != nil {
		return time.Time{}
	}
	t = time.Unix(int64(h.Time), 0).UTC() //nolint:gosec // block times fit int64
	g.headerMu.Lock()
	g.headers[n] = t
	g.headerMu.Unlock()
	return t
}

func (g *EthGateway) partyCall(ctx context.Context, method string, wallet Wallet, jobID string, extra ...any) (string, error) {
	key, err := g.keys.Key(wallet.Address)
	if err != nil {
		return "", &CallError{Op: method, Err: err}
	}
	return g.call(ctx, method, key, jobID, extra...)
}

func (g *EthGateway) operatorCall(ctx context.Context, method, jobID string, extra ...any) (string, error) {
	return g.call(ctx, method, g.operator, jobID, extra...)
}

func (g *EthGateway) call(ctx context.Context, method string, key *ecdsa.PrivateKey, jobID string, extra ...any) (string, error) {
	id, err := parseJobID(jobID)
	if err != nil {
		return "", &CallError{Op: method, Err: err}
	}
	data, err := settlement.Pack(method, append([]any{id}, extra...)...)
	if err != nil {
		return "", &CallError{Op: method, Err: err}
	}
	_, txRef, err := g.transact(ctx, method, key, g.settlement, data)
	return txRef, err
}

func (g *EthGateway) approve(ctx context.Context, key *ecdsa.PrivateKey, amount *big.Int) (string, error) {
	data, err := erc20.Pack("approve", g.settlement, amount)
	if err != nil {
		return "", &CallError{Op: "approve", Err: err}
	}
	_, txRef, err := g.transact(ctx, "approve", key, g.token, data)
	return txRef, err
}

// transact signs, sends and waits for the receipt of one call.
func (g *EthGateway) transact(ctx context.Context, op string, key *ecdsa.PrivateKey, to common.Address, data []byte) (*types.Receipt, string, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, "", &CallError{Op: op, Err: ctxErr(ctx, err)}
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, "", &CallError{Op: op, Err: ctxErr(ctx, err)}
	}
	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(g.chainID), key)
	if err != nil {
		return nil, "", &CallError{Op: op, Err: err}
	}
	txRef := signed.Hash().Hex()
	if err := g.client.SendTransaction(ctx, signed); err != nil {
		return nil, "", &CallError{Op: op, TxRef: txRef, Err: ctxErr(ctx, err)}
	}

	receipt, err := g.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, txRef, &CallError{Op: op, TxRef: txRef, Err: err}
	}
	return receipt, txRef, nil
}

func (g *EthGateway) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(g.poll)
	defer ticker.Stop()
	for {
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, ErrReverted
			}
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctxErr(ctx, ctx.Err())
		case <-ticker.C:
		}
	}
}

// ctxErr maps a deadline hit while waiting on the RPC to ErrTimeout.
func ctxErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}
