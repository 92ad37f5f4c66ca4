package parties

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/paycasso-tech/Paycasso-Backend-V3/internal/ledger"
)

// PostgresDirectory reads parties and their custody wallets from the
// parties and custody_wallets tables.
type PostgresDirectory struct {
	db *sql.DB
}

var _ Directory = (*PostgresDirectory)(nil)

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

const partySelect = `
	SELECT p.id, COALESCE(p.email, ''), COALESCE(p.name, ''), COALESCE(p.address, ''),
	       w.id, w.address
	FROM parties p
	LEFT JOIN custody_wallets w ON w.party_id = p.id AND w.active`

func (d *PostgresDirectory) Get(ctx context.Context, id string) (*Party, error) {
	return d.one(ctx, partySelect+` WHERE p.id = $1`, id)
}

func (d *PostgresDirectory) Resolve(ctx context.Context, ref string) (*Party, error) {
	ref = strings.TrimSpace(ref)
	switch refKind(ref) {
	case "email":
		return d.one(ctx, partySelect+` WHERE lower(p.email) = lower($1)`, ref)
	case "address":
		return d.one(ctx, partySelect+` WHERE lower(p.address) = lower($1) OR lower(w.address) = lower($1) LIMIT 1`, ref)
	default:
		return d.Get(ctx, ref)
	}
}

// Upsert writes a party and, when set, its active custody wallet. Used by
// seeding and tests; profile management lives upstream.
func (d *PostgresDirectory) Upsert(ctx context.Context, p *Party) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO parties (id, email, name, address)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, name = EXCLUDED.name, address = EXCLUDED.address`,
		p.ID, nullString(p.Email), nullString(p.Name), nullString(strings.ToLower(p.Address)),
	); err != nil {
		return err
	}
	if p.Wallet != nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO custody_wallets (id, party_id, address, active)
			VALUES ($1, $2, $3, TRUE)
			ON CONFLICT (id) DO UPDATE SET address = EXCLUDED.address, active = TRUE`,
			p.Wallet.ID, p.ID, strings.ToLower(p.Wallet.Address),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *PostgresDirectory) one(ctx context.Context, query string, arg string) (*Party, error) {
	var (
		p        Party
		walletID sql.NullString
		walletAd sql.NullString
	)
	err := d.db.QueryRowContext(ctx, query, arg).Scan(&p.ID, &p.Email, &p.Name, &p.Address, &walletID, &walletAd)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPartyNotFound
	}
	if err != nil {
		return nil, err
	}
	if walletID.Valid {
		p.Wallet = &ledger.Wallet{ID: walletID.String, Address: strings.ToLower(walletAd.String)}
	}
	return &p, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
