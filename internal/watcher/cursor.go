package watcher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// CursorStore persists the last processed block per watcher.
type CursorStore interface {
	Load(ctx context.Context, name string) (block uint64, ok bool, err error)
	Save(ctx context.Context, name string, block uint64) error
}

// MemoryCursors is an in-memory CursorStore.
type MemoryCursors struct {
	mu     sync.Mutex
	blocks map[string]uint64
}

func NewMemoryCursors() *MemoryCursors {
	return &MemoryCursors{blocks: make(map[string]uint64)}
}

func (m *MemoryCursors) Load(_ context.Context, name string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[name]
	return b, ok, nil
}

func (m *MemoryCursors) Save(_ context.Context, name string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[name] = block
	return nil
}

// PostgresCursors stores cursors in watcher_cursors.
type PostgresCursors struct {
	db *sql.DB
}

func NewPostgresCursors(db *sql.DB) *PostgresCursors {
	return &PostgresCursors{db: db}
}

var (
	_ CursorStore = (*MemoryCursors)(nil)
	_ CursorStore = (*PostgresCursors)(nil)
)

func (p *PostgresCursors) Load(ctx context.Context, name string) (uint64, bool, error) {
	var block int64
	err := p.db.QueryRowContext(ctx, `SELECT block FROM watcher_cursors WHERE name = $1`, name).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load cursor %s: %w", name, err)
	}
	return uint64(block), true, nil
}

func (p *PostgresCursors) Save(ctx context.Context, name string, block uint64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO watcher_cursors (name, block, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (name) DO UPDATE SET block = EXCLUDED.block, updated_at = NOW()`,
		name, int64(block))
	if err != nil {
		return fmt.Errorf("failed to save cursor %s: %w", name, err)
	}
	return nil
}
