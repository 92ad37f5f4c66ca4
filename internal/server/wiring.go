package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/circuitbreaker"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/dispute"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/escrow"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/health"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/lease"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/notify"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/outbox"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/parties"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/reconciliation"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/scheduler"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/security"
	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/watcher"
)

const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
	notifyQueueSize  = 1024
)

// storage groups the stores picked for this process.
type storage struct {
	escrows   escrow.Store
	disputes  dispute.Store
	intents   outbox.Store
	processed reconciliation.ProcessedStore
	cursors   watcher.CursorStore
	parties   parties.Directory
	lease     lease.Lease
}

// newStorage picks Postgres stores when a database is open, in-memory
// otherwise. Scheduler leases go to redis when REDIS_URL is set.
func (s *Server) newStorage() (*storage, error) {
	st := &storage{}
	if s.db != nil {
		st.escrows = escrow.NewPostgresStore(s.db)
		st.disputes = dispute.NewPostgresStore(s.db)
		st.intents = outbox.NewPostgresStore(s.db)
		st.processed = reconciliation.NewPostgresProcessed(s.db)
		st.cursors = watcher.NewPostgresCursors(s.db)
		st.parties = parties.NewPostgresDirectory(s.db)
		st.lease = lease.NewPostgres(s.db)
	} else {
		dir := parties.NewMemoryDirectory()
		if s.cfg.IsDevelopment() {
			for _, p := range demoParties() {
				dir.Add(p)
			}
			s.logger.Info("seeded demo parties", "count", len(demoParties()))
		}
		st.escrows = escrow.NewMemoryStore()
		st.disputes = dispute.NewMemoryStore()
		st.intents = outbox.NewMemoryStore()
		st.processed = reconciliation.NewMemoryProcessed()
		st.cursors = watcher.NewMemoryCursors()
		st.parties = dir
		st.lease = lease.NewMemory()
		s.logger.Warn("using in-memory storage (data will not persist)")
	}

	if s.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(s.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opts)
		st.lease = lease.NewRedis(s.redis)
		s.health.Register(health.Ping("redis", func(ctx context.Context) error {
			return s.redis.Ping(ctx).Err()
		}))
		s.logger.Info("scheduler leases in redis", "addr", opts.Addr)
	}
	return st, nil
}

// setupLedger connects the settlement gateway: the simulated ledger
// without RPC_URL, the settlement contract otherwise. Either way calls go
// through the timeout and circuit breaker guard.
func (s *Server) setupLedger(ctx context.Context) error {
	breaker := circuitbreaker.New(breakerThreshold, breakerOpenFor)

	if s.cfg.SimulatedLedger() {
		if s.sim == nil {
			s.sim = ledger.NewSimulated(s.logger)
		}
		s.sim.VotingPeriod = dispute.VotingDuration
		s.gateway = ledger.NewGuarded(s.sim, s.cfg.LedgerCallTimeout, breaker)
		s.logger.Warn("using simulated ledger")
		return nil
	}
	s.sim = nil

	client, err := ethclient.DialContext(ctx, s.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RPC: %w", err)
	}
	s.eth = client

	keys, err := ledger.NewKeyring(s.cfg.CustodyKeys...)
	if err != nil {
		return fmt.Errorf("invalid custody keys: %w", err)
	}
	eth, err := ledger.NewEthGateway(client, keys, ledger.EthConfig{
		ChainID:            s.cfg.ChainID,
		OperatorPrivateKey: s.cfg.OperatorPrivateKey,
		SettlementContract: s.cfg.SettlementContract,
		USDCContract:       s.cfg.USDCContract,
		FeeBps:             s.cfg.LedgerFeeBps,
		DepositLookback:    50_000,
		ReceiptPoll:        2 * time.Second,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to create settlement gateway: %w", err)
	}

	s.gateway = ledger.NewGuarded(eth, s.cfg.LedgerCallTimeout, breaker)
	s.health.Register(health.Ping("rpc", func(ctx context.Context) error {
		_, err := client.BlockNumber(ctx)
		return err
	}))
	s.logger.Info("settlement gateway connected",
		"chain_id", s.cfg.ChainID,
		"settlement", eth.SettlementAddress().Hex(),
		"custody_wallets", len(s.cfg.CustodyKeys),
	)
	return nil
}

// setupNotifications fans notifications out to connected websocket
// clients and, when configured, the external delivery webhook.
func (s *Server) setupNotifications(ctx context.Context) error {
	s.hub = notify.NewHub(s.logger)
	sinks := []notify.Sink{s.hub}

	if s.cfg.NotifyURL != "" {
		if err := security.ValidateEndpointURL(ctx, net.DefaultResolver, s.cfg.NotifyURL, s.cfg.IsDevelopment()); err != nil {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
		}
		async := notify.NewAsync(notify.NewWebhook(s.cfg.NotifyURL, s.cfg.NotifySecret), "webhook", notifyQueueSize, s.logger)
		s.async = append(s.async, async)
		sinks = append(sinks, async)
		s.logger.Info("notification webhook enabled")
	}

	s.notifier = notify.NewMulti(s.logger, sinks...)
	return nil
}

// setupServices builds the escrow and dispute services over the outbox.
func (s *Server) setupServices(st *storage) {
	s.intents = outbox.NewRecorder(st.intents, s.logger)

	s.escrows = escrow.NewService(st.escrows, st.parties, s.gateway, s.logger).
		WithOutbox(s.intents).
		WithNotifier(s.notifier).
		WithEconomics(s.cfg.LedgerFeeBps, s.cfg.MinimumEscrow())

	s.disputes = dispute.NewService(st.disputes, s.escrows, st.parties, s.gateway, s.logger).
		WithOutbox(s.intents).
		WithNotifier(s.notifier)
	s.verdicts = dispute.NewVerdictRunner(s.disputes.ApplyVerdict, s.cfg.VerdictDelay, s.logger)
	s.disputes.WithVerdictScheduler(s.verdicts)

	s.sweeper = outbox.NewSweeper(st.intents, s.cfg.OutboxGrace, s.logger)
	s.sweeper.Handle(outbox.KindCreateJob, s.escrows.CheckFundingIntent)
	s.sweeper.Handle(outbox.KindReleaseFunds, s.escrows.CheckReleaseIntent)
}

// setupListener routes ledger events into local state: pushed by the
// simulated ledger, polled from chain logs otherwise.
func (s *Server) setupListener(st *storage) {
	s.listener = reconciliation.NewListener(s.escrows, s.disputes, st.intents, st.processed, s.logger).
		WithEpsilon(s.cfg.Epsilon())

	if s.sim != nil {
		s.sim.Attach(s.listener)
		return
	}

	contract := common.HexToAddress(s.cfg.SettlementContract)
	s.watcher = watcher.New(s.eth, st.cursors, s.listener, watcher.Config{
		Name:          "settlement",
		Contract:      contract,
		PollInterval:  s.cfg.EventPollEvery,
		StartBlock:    s.cfg.WatcherStart,
		BatchSize:     2000,
		Confirmations: 2,
	}, s.logger)

	s.balances = reconciliation.NewBalanceReconciler(s.escrows, s.gateway, contract.Hex(), s.logger)
}

// setupScheduler registers the periodic tasks. Each runs on one instance
// at a time through the lease.
func (s *Server) setupScheduler(st *storage) {
	s.scheduler = scheduler.NewRunner(st.lease, s.cfg.InstanceID, s.logger)

	deposits := scheduler.NewDepositPoller(s.escrows, st.parties, s.gateway, s.logger).
		WithEpsilon(s.cfg.Epsilon())
	task := deposits.Task()
	task.Interval = s.cfg.DepositPollEvery
	s.scheduler.Add(task)

	task = scheduler.NewTimeoutPoller(s.disputes, s.logger).Task()
	task.Interval = s.cfg.TimeoutPollEvery
	s.scheduler.Add(task)

	s.scheduler.Add(scheduler.SweepTask(s.sweeper))

	// On the simulated ledger nothing is deposited to a contract, so the
	// balance check would always report a shortfall.
	if s.balances != nil {
		s.scheduler.Add(scheduler.BalanceTask(s.balances))
	}
}
