package reconciliation

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// ProcessedStore remembers which event deliveries were applied.
type ProcessedStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key, eventType, jobID string) error
}

// MemoryProcessed is an in-memory ProcessedStore.
type MemoryProcessed struct {
	mu   sync.RWMutex
	keys map[string]time.Time
}

func NewMemoryProcessed() *MemoryProcessed {
	return &MemoryProcessed{keys: make(map[string]time.Time)}
}

func (m *MemoryProcessed) Seen(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[key]
	return ok, nil
}

func (m *MemoryProcessed) Mark(_ context.Context, key, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; !ok {
		m.keys[key] = time.Now()
	}
	return nil
}

// PostgresProcessed stores processed event keys in processed_events.
type PostgresProcessed struct {
	db *sql.DB
}

func NewPostgresProcessed(db *sql.DB) *PostgresProcessed {
	return &PostgresProcessed{db: db}
}

var (
	_ ProcessedStore = (*MemoryProcessed)(nil)
	_ ProcessedStore = (*PostgresProcessed)(nil)
)

func (p *PostgresProcessed) Seen(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_key = $1)`, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

func (p *PostgresProcessed) Mark(ctx context.Context, key, eventType, jobID string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_key, event_type, job_id, processed_at)
		VALUES ($1, $2, NULLIF($3, ''), NOW())
		ON CONFLICT (event_key) DO NOTHING`,
		key, eventType, jobID)
	if err != nil {
		return fmt.Errorf("failed to mark processed event: %w", err)
	}
	return nil
}
