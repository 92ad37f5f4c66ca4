package lease

import (
	"context"
	"database/sql"
	"time"
)

// Postgres stores leases as rows of scheduler_leases(name, owner,
// expires_at). A row is taken over only once expired.
type Postgres struct {
	db *sql.DB
}

var _ Lease = (*Postgres)(nil)

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) Acquire(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO scheduler_leases (name, owner, expires_at)
		VALUES ($1, $2, NOW() + $3::float8 * INTERVAL '1 millisecond')
		ON CONFLICT (name) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE scheduler_leases.owner = EXCLUDED.owner OR scheduler_leases.expires_at < NOW()`,
		name, owner, ttl.Milliseconds(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (p *Postgres) Release(ctx context.Context, name, owner string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM scheduler_leases WHERE name = $1 AND owner = $2`, name, owner)
	return err
}
