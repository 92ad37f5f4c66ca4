package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/idgen"
)

// Call is one recorded gateway invocation on the simulated ledger.
type Call struct {
	Op       string
	Wallet   string
	JobID    string
	Percent  int
	Duration int64
	Key      string
}

type simJob struct {
	id         string
	client     string
	freelancer string
	amount     *big.Int
	accepted   map[string]bool
	votes      []int
	escalated  bool
	released   bool
	verdictPct int // freelancer share of the automated verdict
}

// Simulated is an in-process ledger used in development and tests. It
// records every call, keeps enough job state to emit the events a real
// contract would, and delivers those events asynchronously to an attached
// handler.
type Simulated struct {
	mu       sync.Mutex
	nextJob  int64
	jobs     map[string]*simJob
	calls    []Call
	fail     map[string]error
	deposits map[string][]Deposit
	balances map[string]Balances
	txs      map[string]TxInfo
	now      func() time.Time

	// VotingPeriod decides the window opened by CheckDeadline when
	// neither side accepted in time.
	VotingPeriod func(amount *big.Int) time.Duration

	// emitted events wait in queue; qmu is never held while delivering
	qmu     sync.Mutex
	queue   []Event
	wake    chan struct{}
	handler atomic.Pointer[EventHandler]
	logger  *slog.Logger
}

var _ Gateway = (*Simulated)(nil)

// NewSimulated creates an empty simulated ledger.
func NewSimulated(logger *slog.Logger) *Simulated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulated{
		nextJob:      1,
		jobs:         make(map[string]*simJob),
		fail:         make(map[string]error),
		deposits:     make(map[string][]Deposit),
		balances:     make(map[string]Balances),
		txs:          make(map[string]TxInfo),
		now:          time.Now,
		VotingPeriod: func(*big.Int) time.Duration { return 48 * time.Hour },
		wake:         make(chan struct{}, 1),
		logger:       logger,
	}
}

// Attach sets the consumer of emitted events.
func (s *Simulated) Attach(h EventHandler) {
	s.handler.Store(&h)
}

// Run delivers emitted events until ctx is done.
func (s *Simulated) Run(ctx context.Context) {
	for {
		s.Drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
	}
}

// Drain synchronously delivers every queued event and returns how many
// were delivered. Tests use it in place of Run.
func (s *Simulated) Drain(ctx context.Context) int {
	n := 0
	for {
		ev, ok := s.next()
		if !ok {
			return n
		}
		s.deliver(ctx, ev)
		n++
	}
}

// Pending returns how many emitted events await delivery.
func (s *Simulated) Pending() int {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return len(s.queue)
}

func (s *Simulated) next() (Event, bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	ev := s.queue[0]
	s.queue[0] = Event{}
	s.queue = s.queue[1:]
	return ev, true
}

// emit queues ev without blocking; it is safe to call with s.mu held.
func (s *Simulated) emit(ev Event) {
	s.qmu.Lock()
	s.queue = append(s.queue, ev)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Simulated) deliver(ctx context.Context, ev Event) {
	h := s.handler.Load()
	if h == nil {
		return
	}
	if err := (*h).HandleEvent(ctx, ev); err != nil {
		s.logger.Warn("simulated ledger: event handler failed", "type", ev.Type, "job_id", ev.JobID, "error", err)
	}
}

// FailNext makes the next call of op fail with err.
func (s *Simulated) FailNext(op string, err error) {
	s.mu.Lock()
	s.fail[op] = err
	s.mu.Unlock()
}

// Calls returns a copy of the recorded calls.
func (s *Simulated) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallCount returns how many times op was invoked.
func (s *Simulated) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// AddDeposit registers an inbound transfer visible to QueryDeposits.
func (s *Simulated) AddDeposit(address string, d Deposit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(address)
	d.To = key
	s.deposits[key] = append(s.deposits[key], d)
	s.txs[d.TxRef] = TxInfo{Exists: true, Confirmed: true, Confirmations: 1, From: d.From, To: key, Value: cloneAmount(d.Value), BlockNumber: d.BlockNumber}
}

// SetBalance fixes the balance returned for address.
func (s *Simulated) SetBalance(address string, token *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(address)
	s.balances[key] = Balances{Address: key, Token: cloneAmount(token), Native: new(big.Int)}
}

// SetVerdict records the automated verdict the contract would hold for
// jobID, as the freelancer's percentage.
func (s *Simulated) SetVerdict(jobID string, freelancerPct int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[jobID]; ok {
		j.verdictPct = freelancerPct
	}
}

// Emit queues an arbitrary event, e.g. to replay a delivery.
func (s *Simulated) Emit(ev Event) {
	s.emit(ev)
}

// caller holds s.mu
func (s *Simulated) begin(c Call) (string, error) {
	s.calls = append(s.calls, c)
	if err, ok := s.fail[c.Op]; ok {
		delete(s.fail, c.Op)
		return "", &CallError{Op: c.Op, Err: err}
	}
	ref := "0x" + idgen.Hex(32)
	s.txs[ref] = TxInfo{Exists: true, Confirmed: true, Confirmations: 1, From: strings.ToLower(c.Wallet)}
	return ref, nil
}

// caller holds s.mu
func (s *Simulated) job(op, jobID string) (*simJob, error) {
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, &CallError{Op: op, Err: fmt.Errorf("%w: unknown job %s", ErrReverted, jobID)}
	}
	return j, nil
}

func (s *Simulated) CreateSettlementJob(ctx context.Context, req JobRequest) (JobReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.begin(Call{Op: "createJob", Wallet: req.BuyerWallet.Address, Key: req.IdempotencyKey})
	if err != nil {
		return JobReceipt{}, err
	}
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return JobReceipt{}, &CallError{Op: "createJob", Err: fmt.Errorf("%w: amount must be positive", ErrReverted)}
	}

	id := strconv.FormatInt(s.nextJob, 10)
	s.nextJob++
	j := &simJob{
		id:         id,
		client:     strings.ToLower(req.BuyerWallet.Address),
		freelancer: strings.ToLower(req.Counterparty),
		amount:     cloneAmount(req.Amount),
		accepted:   make(map[string]bool),
		verdictPct: 50,
	}
	s.jobs[id] = j

	s.emit(Event{
		Type:           EventJobCreated,
		JobID:          id,
		TxRef:          ref,
		Address:        j.client,
		Counterparty:   j.freelancer,
		Amount:         cloneAmount(req.Amount),
		IdempotencyKey: req.IdempotencyKey,
	})
	return JobReceipt{TxRef: ref, JobID: id}, nil
}

func (s *Simulated) RaiseDispute(ctx context.Context, wallet Wallet, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.begin(Call{Op: "raiseDispute", Wallet: wallet.Address, JobID: jobID})
	if err != nil {
		return "", err
	}
	if _, err := s.job("raiseDispute", jobID); err != nil {
		return "", err
	}
	s.emit(Event{Type: EventDisputeRaised, JobID: jobID, TxRef: ref, Address: strings.ToLower(wallet.Address)})
	return ref, nil
}

func (s *Simulated) CastVote(ctx context.Context, wallet Wallet, jobID string, percent int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.begin(Call{Op: "castVote", Wallet: wallet.Address, JobID: jobID, Percent: percent})
	if err != nil {
		return "", err
	}
	j, err := s.job("castVote", jobID)
	if err != nil {
		return "", err
	}
	j.votes = append(j.votes, percent)
	return ref, nil
}

func (s *Simulated) ReleaseFunds(ctx context.Context, wallet Wallet, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.begin(Call{Op: "releaseFunds", Wallet: wallet.Address, JobID: jobID})
	if err != nil {
		return "", err
	}
	j, err := s.job("releaseFunds", jobID)
	if err != nil {
		return "", err
	}
	if !j.released {
		j.released = true
		s.emit(Event{Type: EventFundsReleased, JobID: jobID, TxRef: ref, Address: j.freelancer, Amount: cloneAmount(j.amount)})
	}
	return ref, nil
}

func (s *Simulated) AcceptVerdict(ctx context.Context, wallet Wallet, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.begin(Call{Op: "acceptVerdict", Wallet: wallet.Address, JobID: jobID})
	if err != nil {
		return "", err
	}
	j, err := s.job("acceptVerdict", jobID)
	if err != nil {
		return "", err
	}
	addr := strings.ToLower(wallet.Address)
	j.accepted[addr] = true
	s.emit(Event{Type: EventVerdictAccepted, JobID: jobID, TxRef: ref, Address: addr})
	if j.accepted[j.client] && j.accepted[j.freelancer] {
		s.emit(Event{
			Type:          EventDisputeResolved,
			JobID:         jobID,
			TxRef:         ref,
			LogIndex:      1,
			ClientPct:     100 - j.verdictPct,
			FreelancerPct: j.verdictPct,
		})
	}
	return ref, nil
}

func (s *Simulated) RejectVerdict(ctx context.Context, wallet Wallet, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.begin(Call{Op: "rejectVerdict", Wallet: wallet.Address, JobID: jobID})
	if err != nil {
		return "", err
	}
	if _, err := s.job("rejectVerdict", jobID); err != nil {
		return "", err
	}
	return ref, nil
}

func (s *Simulated) EscalateToVoting(ctx context.Context, jobID string, durationSeconds int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.begin(Call{Op: "escalateToVoting", JobID: jobID, Duration: durationSeconds})
	if err != nil {
		return "", err
	}
	j, err := s.job("escalateToVoting", jobID)
	if err != nil {
		return "", err
	}
	s.escalate(j, ref, time.Duration(durationSeconds)*time.Second)
	return ref, nil
}

// caller holds s.mu
func (s *Simulated) escalate(j *simJob, ref string, d time.Duration) {
	if j.escalated {
		return
	}
	j.escalated = true
	s.emit(Event{Type: EventEscalatedToVoting, JobID: j.id, TxRef: ref, VotingEndsAt: s.now().Add(d).UTC()})
}

func (s *Simulated) CheckDeadline(ctx context.Context, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.begin(Call{Op: "checkDeadline", JobID: jobID})
	if err != nil {
		return "", err
	}
	j, err := s.job("checkDeadline", jobID)
	if err != nil {
		return "", err
	}
	s.escalate(j, ref, s.VotingPeriod(j.amount))
	return ref, nil
}

func (s *Simulated) FinalizeVoting(ctx context.Context, jobID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, err := s.begin(Call{Op: "finalizeVoting", JobID: jobID})
	if err != nil {
		return "", err
	}
	j, err := s.job("finalizeVoting", jobID)
	if err != nil {
		return "", err
	}
	pct := 50
	if len(j.votes) > 0 {
		sum := 0
		for _, v := range j.votes {
			sum += v
		}
		pct = sum / len(j.votes)
	}
	s.emit(Event{Type: EventVotingFinalized, JobID: jobID, TxRef: ref, Percent: pct})
	s.emit(Event{Type: EventDisputeResolved, JobID: jobID, TxRef: ref, LogIndex: 1, ClientPct: 100 - pct, FreelancerPct: pct})
	return ref, nil
}

func (s *Simulated) VerifyTransaction(ctx context.Context, txRef string) (TxInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: "verifyTransaction"})
	info, ok := s.txs[txRef]
	if !ok {
		return TxInfo{Exists: false}, nil
	}
	info.Value = cloneAmount(info.Value)
	return info, nil
}

func (s *Simulated) GetBalances(ctx context.Context, address string) (Balances, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.begin(Call{Op: "getBalances", Wallet: address}); err != nil {
		return Balances{}, err
	}
	key := strings.ToLower(address)
	b, ok := s.balances[key]
	if !ok {
		return Balances{Address: key, Token: new(big.Int), Native: new(big.Int)}, nil
	}
	b.Token = cloneAmount(b.Token)
	return b, nil
}

func (s *Simulated) QueryDeposits(ctx context.Context, address string) ([]Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.begin(Call{Op: "queryDeposits", Wallet: address}); err != nil {
		return nil, err
	}
	src := s.deposits[strings.ToLower(address)]
	out := make([]Deposit, len(src))
	for i, d := range src {
		d.Value = cloneAmount(d.Value)
		out[i] = d
	}
	return out, nil
}
