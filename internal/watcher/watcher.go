// Package watcher follows the settlement contract's logs and hands the
// decoded events to the reconciliation listener.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
)

var lastBlockGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "paycasso",
	Subsystem: "watcher",
	Name:      "last_block",
	Help:      "Last block whose settlement logs were processed.",
}, []string{"watcher"})

func init() {
	prometheus.MustRegister(lastBlockGauge)
}

// LogSource is the slice of an ethclient the watcher polls.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config for the settlement watcher
type Config struct {
	Name          string
	Contract      common.Address
	PollInterval  time.Duration
	StartBlock    uint64 // 0 = latest, unless a cursor is stored
	BatchSize     uint64 // max blocks per FilterLogs query
	Confirmations uint64 // blocks to stay behind head
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Name:          "settlement",
		PollInterval:  15 * time.Second,
		BatchSize:     2000,
		Confirmations: 2,
	}
}

// Watcher polls settlement logs block range by block range. The cursor
// only advances past a block once every event in it was handled.
type Watcher struct {
	client  LogSource
	cursors CursorStore
	handler ledger.EventHandler
	config  Config
	logger  *slog.Logger
	topics  []common.Hash

	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// New creates a settlement watcher.
func New(client LogSource, cursors CursorStore, handler ledger.EventHandler, cfg Config, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cursors == nil {
		cursors = NewMemoryCursors()
	}
	return &Watcher{
		client:  client,
		cursors: cursors,
		handler: handler,
		config:  cfg,
		logger:  logger.With("component", "watcher", "watcher", cfg.Name),
		topics:  ledger.SettlementTopics(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Init positions the watcher: the stored cursor wins, then the configured
// start block, then the current head.
func (w *Watcher) Init(ctx context.Context) error {
	block, ok, err := w.cursors.Load(ctx, w.config.Name)
	if err != nil {
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	switch {
	case ok:
		w.lastBlock = block
	case w.config.StartBlock > 0:
		w.lastBlock = w.config.StartBlock - 1
	default:
		head, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = head
	}
	w.logger.Info("settlement watcher positioned",
		"contract", w.config.Contract.Hex(),
		"last_block", w.lastBlock,
	)
	return nil
}

// Start initializes the watcher and polls in a goroutine until ctx is
// done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.Init(ctx); err != nil {
		return err
	}
	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

// LastBlock returns the last fully processed block.
func (w *Watcher) LastBlock() uint64 { return w.lastBlock }

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if _, err := w.Poll(ctx); err != nil {
				w.logger.Error("settlement log poll failed", "error", err)
			}
		}
	}
}

// Poll processes at most one batch of blocks and returns the number of
// events handed to the handler.
func (w *Watcher) Poll(ctx context.Context) (int, error) {
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get block number: %w", err)
	}
	if head < w.config.Confirmations {
		return 0, nil
	}
	safe := head - w.config.Confirmations
	if safe <= w.lastBlock {
		return 0, nil
	}
	from := w.lastBlock + 1
	to := min(safe, from+w.config.BatchSize-1)

	logs, err := w.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{w.config.Contract},
		Topics:    [][]common.Hash{w.topics},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to filter logs: %w", err)
	}
	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	handled := 0
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, ok, err := ledger.DecodeLog(lg)
		if err != nil {
			w.logger.Warn("undecodable settlement log skipped", "tx", lg.TxHash.Hex(), "index", lg.Index, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := w.handler.HandleEvent(ctx, ev); err != nil {
			// Keep everything before the failing block; it is replayed
			// from there on the next poll.
			if lg.BlockNumber > 0 {
				w.advance(ctx, lg.BlockNumber-1)
			}
			return handled, fmt.Errorf("failed to handle %s in tx %s: %w", ev.Type, ev.TxRef, err)
		}
		handled++
	}
	w.advance(ctx, to)
	return handled, nil
}

func (w *Watcher) advance(ctx context.Context, block uint64) {
	if block <= w.lastBlock {
		return
	}
	w.lastBlock = block
	lastBlockGauge.WithLabelValues(w.config.Name).Set(float64(block))
	if err := w.cursors.Save(ctx, w.config.Name, block); err != nil {
		w.logger.Warn("failed to save watcher cursor", "block", block, "error", err)
	}
}
