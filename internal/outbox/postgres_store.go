package outbox

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists intents in the ledger_intents table.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const intentColumns = `id, kind, escrow_id, dispute_id, idempotency_key, status, tx_ref, error, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, in *Intent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_intents (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		in.ID, string(in.Kind), in.EscrowID, nullString(in.DisputeID), nullString(in.IdempotencyKey),
		string(in.Status), nullString(in.TxRef), nullString(in.Error), in.CreatedAt, in.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Intent, error) {
	return p.one(ctx, `SELECT `+intentColumns+` FROM ledger_intents WHERE id = $1`, id)
}

func (p *PostgresStore) FindByKey(ctx context.Context, key string) (*Intent, error) {
	return p.one(ctx, `SELECT `+intentColumns+` FROM ledger_intents
		WHERE idempotency_key = $1 ORDER BY created_at DESC LIMIT 1`, key)
}

func (p *PostgresStore) Finish(ctx context.Context, id string, status Status, txRef, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE ledger_intents
		SET status = $2, tx_ref = COALESCE($3, tx_ref), error = $4, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`,
		id, string(status), nullString(txRef), nullString(reason),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotPending
	}
	return nil
}

func (p *PostgresStore) ListPending(ctx context.Context, before time.Time, limit int) ([]*Intent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+intentColumns+` FROM ledger_intents
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (p *PostgresStore) one(ctx context.Context, query, arg string) (*Intent, error) {
	in, err := scanIntent(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrIntentNotFound
	}
	return in, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(s scanner) (*Intent, error) {
	var (
		in                             Intent
		kind, status                   string
		disputeID, key, txRef, errText sql.NullString
	)
	if err := s.Scan(&in.ID, &kind, &in.EscrowID, &disputeID, &key, &status, &txRef, &errText, &in.CreatedAt, &in.UpdatedAt); err != nil {
		return nil, err
	}
	in.Kind = Kind(kind)
	in.Status = Status(status)
	in.DisputeID = disputeID.String
	in.IdempotencyKey = key.String
	in.TxRef = txRef.String
	in.Error = errText.String
	return &in, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
