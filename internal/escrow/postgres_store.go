package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/lib/pq"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/usdc"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, number, buyer_id, seller_id, buyer_address, seller_address,
			amount, currency, network, title, terms,
			on_chain_job_id, idempotency_key, funding_tx_ref, deposit_tx_ref, release_tx_ref,
			status, has_active_dispute, fee_bps, client_percentage, freelancer_percentage,
			rejection_reason, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC(20,6), $8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21,
			$22, $23, $24
		)`,
		e.ID, e.Number, e.BuyerID, e.SellerID, nullString(e.BuyerAddress), nullString(e.SellerAddress),
		usdc.Format(e.Amount), e.Currency, e.Network, e.Title, nullString(e.Terms),
		nullString(e.OnChainJobID), nullString(e.IdempotencyKey), nullString(e.FundingTxRef),
		nullString(e.DepositTxRef), nullString(e.ReleaseTxRef),
		string(e.Status), e.HasActiveDispute, e.FeeBps, nullInt(e.ClientPercentage), nullInt(e.FreelancerPercentage),
		nullString(e.RejectionReason), e.CreatedAt, e.UpdatedAt,
	)
	return err
}

const escrowColumns = `id, number, buyer_id, seller_id, COALESCE(buyer_address, ''), COALESCE(seller_address, ''),
		       amount::TEXT, currency, network, title, COALESCE(terms, ''),
		       on_chain_job_id, idempotency_key, funding_tx_ref, deposit_tx_ref, release_tx_ref,
		       status, has_active_dispute, fee_bps, client_percentage, freelancer_percentage,
		       rejection_reason, created_at, updated_at,
		       accepted_at, funded_at, started_at, completed_at, released_at, cancelled_at, rejected_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Escrow, error) {
	return p.one(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, id)
}

// Update never replaces a job id that is already set.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			on_chain_job_id = COALESCE(on_chain_job_id, $2),
			idempotency_key = $3, funding_tx_ref = $4, deposit_tx_ref = $5, release_tx_ref = $6,
			status = $7, has_active_dispute = $8, client_percentage = $9, freelancer_percentage = $10,
			rejection_reason = $11, updated_at = $12,
			accepted_at = $13, funded_at = $14, started_at = $15, completed_at = $16,
			released_at = $17, cancelled_at = $18, rejected_at = $19
		WHERE id = $1`,
		e.ID, nullString(e.OnChainJobID),
		nullString(e.IdempotencyKey), nullString(e.FundingTxRef), nullString(e.DepositTxRef), nullString(e.ReleaseTxRef),
		string(e.Status), e.HasActiveDispute, nullInt(e.ClientPercentage), nullInt(e.FreelancerPercentage),
		nullString(e.RejectionReason), e.UpdatedAt,
		nullTime(e.AcceptedAt), nullTime(e.FundedAt), nullTime(e.StartedAt), nullTime(e.CompletedAt),
		nullTime(e.ReleasedAt), nullTime(e.CancelledAt), nullTime(e.RejectedAt),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) SetJobID(ctx context.Context, id, jobID string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET on_chain_job_id = $2, updated_at = NOW()
		WHERE id = $1 AND on_chain_job_id IS NULL`, id, jobID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrJobIDAlreadySet
	}
	return nil
}

func (p *PostgresStore) FindByIdempotencyKey(ctx context.Context, key string) (*Escrow, error) {
	return p.one(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE idempotency_key = $1`, key)
}

func (p *PostgresStore) FindByFundingTx(ctx context.Context, txRef string) (*Escrow, error) {
	return p.one(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE lower(funding_tx_ref) = lower($1) LIMIT 1`, txRef)
}

func (p *PostgresStore) FindByJobID(ctx context.Context, jobID string) (*Escrow, error) {
	return p.one(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE on_chain_job_id = $1`, jobID)
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Escrow, int, error) {
	where := `(buyer_id = $1 OR seller_id = $1)`
	switch f.Role {
	case RoleBuyer:
		where = `buyer_id = $1`
	case RoleSeller:
		where = `seller_id = $1`
	}
	args := []any{f.Party}
	if f.Status != "" {
		where += ` AND status = $2`
		args = append(args, string(f.Status))
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escrows WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM escrows WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		escrowColumns, where, n+1, n+2)
	rows, err := p.db.QueryContext(ctx, query, append(args, f.Page.Limit, f.Page.Offset())...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	result, err := scanEscrows(rows)
	return result, total, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE status = ANY($1)
		ORDER BY created_at
		LIMIT $2`, pq.Array(statusStrings(statuses)), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) DepositConsumed(ctx context.Context, txRef string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrows WHERE deposit_tx_ref = $1)`, txRef).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) SumAmount(ctx context.Context, statuses []Status) (*big.Int, error) {
	var total string
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)::TEXT FROM escrows WHERE status = ANY($1)`,
		pq.Array(statusStrings(statuses))).Scan(&total)
	if err != nil {
		return nil, err
	}
	amount, ok := usdc.Parse(total)
	if !ok {
		return nil, fmt.Errorf("escrow: unparseable sum %q", total)
	}
	return amount, nil
}

func (p *PostgresStore) one(ctx context.Context, query string, arg string) (*Escrow, error) {
	e, err := scanEscrow(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		amount                                      string
		status                                      string
		jobID, key, fundingTx, depositTx, releaseTx sql.NullString
		rejection                                   sql.NullString
		clientPct, freelancerPct                    sql.NullInt64
		accepted, funded, started, completed        sql.NullTime
		released, cancelled, rejected               sql.NullTime
	)

	err := s.Scan(
		&e.ID, &e.Number, &e.BuyerID, &e.SellerID, &e.BuyerAddress, &e.SellerAddress,
		&amount, &e.Currency, &e.Network, &e.Title, &e.Terms,
		&jobID, &key, &fundingTx, &depositTx, &releaseTx,
		&status, &e.HasActiveDispute, &e.FeeBps, &clientPct, &freelancerPct,
		&rejection, &e.CreatedAt, &e.UpdatedAt,
		&accepted, &funded, &started, &completed, &released, &cancelled, &rejected,
	)
	if err != nil {
		return nil, err
	}

	var ok bool
	if e.Amount, ok = usdc.Parse(amount); !ok {
		return nil, fmt.Errorf("escrow %s: unparseable amount %q", e.ID, amount)
	}
	e.Status = Status(status)
	e.OnChainJobID = jobID.String
	e.IdempotencyKey = key.String
	e.FundingTxRef = fundingTx.String
	e.DepositTxRef = depositTx.String
	e.ReleaseTxRef = releaseTx.String
	e.RejectionReason = rejection.String
	e.ClientPercentage = intPtr(clientPct)
	e.FreelancerPercentage = intPtr(freelancerPct)
	e.AcceptedAt = timePtr(accepted)
	e.FundedAt = timePtr(funded)
	e.StartedAt = timePtr(started)
	e.CompletedAt = timePtr(completed)
	e.ReleasedAt = timePtr(released)
	e.CancelledAt = timePtr(cancelled)
	e.RejectedAt = timePtr(rejected)
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	v := int(n.Int64)
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
