package dispute

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

// PostgresStore persists disputes, evidence and votes in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, escrow_id, job_id, client_id, freelancer_id, raised_by, raiser_role,
			reason, desired_outcome, status,
			client_stake, freelancer_stake, client_staked, freelancer_staked, total_staked, amount_in_dispute,
			client_claim, freelancer_response, required_votes, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10,
			$11::NUMERIC(20,6), $12::NUMERIC(20,6), $13, $14, $15::NUMERIC(20,6), $16::NUMERIC(20,6),
			$17, $18, $19, $20, $21
		)`,
		d.ID, d.EscrowID, nullString(d.JobID), d.ClientID, d.FreelancerID, d.RaisedBy, string(d.RaiserRole),
		string(d.Reason), string(d.DesiredOutcome), string(d.Status),
		usdc.Format(d.ClientStake), usdc.Format(d.FreelancerStake), d.ClientStaked, d.FreelancerStaked,
		usdc.Format(d.TotalStaked), usdc.Format(d.AmountInDispute),
		nullString(d.ClientClaim), nullString(d.FreelancerResponse), d.RequiredVotes, d.CreatedAt, d.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrActiveDispute
	}
	return err
}

const disputeColumns = `id, escrow_id, job_id, client_id, freelancer_id, raised_by, raiser_role,
		       reason, desired_outcome, status,
		       client_stake::TEXT, freelancer_stake::TEXT, client_staked, freelancer_staked,
		       total_staked::TEXT, amount_in_dispute::TEXT,
		       client_claim, freelancer_response, ai_client_percentage, ai_freelancer_percentage,
		       ai_reasoning, ai_verdict_at, client_accepted_verdict, freelancer_accepted_verdict,
		       voting_starts_at, voting_ends_at, votes_for_client, votes_for_freelancer, total_votes, required_votes,
		       resolution, client_percentage, freelancer_percentage, resolution_notes, withdraw_reason,
		       resolved_at, cancelled_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	return p.one(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
}

// Update leaves the vote tallies alone; RecordVote owns them.
func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			job_id = COALESCE(job_id, $2), status = $3,
			client_stake = $4::NUMERIC(20,6), freelancer_stake = $5::NUMERIC(20,6),
			client_staked = $6, freelancer_staked = $7,
			client_claim = $8, freelancer_response = $9,
			ai_client_percentage = $10, ai_freelancer_percentage = $11, ai_reasoning = $12, ai_verdict_at = $13,
			client_accepted_verdict = $14, freelancer_accepted_verdict = $15,
			voting_starts_at = $16, voting_ends_at = $17,
			resolution = $18, client_percentage = $19, freelancer_percentage = $20,
			resolution_notes = $21, withdraw_reason = $22, resolved_at = $23, cancelled_at = $24,
			updated_at = $25
		WHERE id = $1`,
		d.ID, nullString(d.JobID), string(d.Status),
		usdc.Format(d.ClientStake), usdc.Format(d.FreelancerStake),
		d.ClientStaked, d.FreelancerStaked,
		nullString(d.ClientClaim), nullString(d.FreelancerResponse),
		nullInt(d.AIClientPercentage), nullInt(d.AIFreelancerPercentage), nullString(d.AIReasoning), nullTime(d.AIVerdictAt),
		d.ClientAcceptedVerdict, d.FreelancerAcceptedVerdict,
		nullTime(d.VotingStartsAt), nullTime(d.VotingEndsAt),
		nullString(string(d.Resolution)), nullInt(d.ClientPercentage), nullInt(d.FreelancerPercentage),
		nullString(d.ResolutionNotes), nullString(d.WithdrawReason), nullTime(d.ResolvedAt), nullTime(d.CancelledAt),
		d.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) FindActiveByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	return p.one(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1 AND status NOT IN ('resolved', 'cancelled')
		LIMIT 1`, escrowID)
}

func (p *PostgresStore) FindLatestByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	return p.one(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE escrow_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, escrowID)
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Dispute, int, error) {
	where := `(client_id = $1 OR freelancer_id = $1)`
	args := []any{f.Party}
	if f.Status != "" {
		where += ` AND status = $2`
		args = append(args, string(f.Status))
	}

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM disputes WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM disputes WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		disputeColumns, where, n+1, n+2)
	page := f.Page.Normalize()
	rows, err := p.db.QueryContext(ctx, query, append(args, page.Limit, page.Offset())...)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = rows.Close() }()

	result, err := scanDisputes(rows)
	return result, total, err
}

func (p *PostgresStore) ListByStatus(ctx context.Context, statuses []Status, limit int) ([]*Dispute, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+disputeColumns+` FROM disputes
		WHERE status = ANY($1)
		ORDER BY updated_at
		LIMIT $2`, pq.Array(names), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

func (p *PostgresStore) Stats(ctx context.Context, party string) (Stats, error) {
	var st Stats
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status NOT IN ('resolved', 'cancelled')),
			COUNT(*) FILTER (WHERE status = 'resolved')
		FROM disputes
		WHERE client_id = $1 OR freelancer_id = $1`, party).Scan(&st.Active, &st.Resolved)
	return st, err
}

func (p *PostgresStore) AddEvidence(ctx context.Context, e *Evidence) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO dispute_evidence (id, dispute_id, submitted_by, role, evidence_type, description, file_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.DisputeID, e.SubmittedBy, string(e.Role), string(e.Type),
		nullString(e.Description), nullString(e.FileRef), e.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
		return ErrDisputeNotFound
	}
	return err
}

func (p *PostgresStore) ListEvidence(ctx context.Context, disputeID string) ([]*Evidence, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, submitted_by, role, evidence_type,
		       COALESCE(description, ''), COALESCE(file_ref, ''), created_at
		FROM dispute_evidence
		WHERE dispute_id = $1
		ORDER BY created_at`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Evidence{}
	for rows.Next() {
		e := &Evidence{}
		var role, typ string
		if err := rows.Scan(&e.ID, &e.DisputeID, &e.SubmittedBy, &role, &typ, &e.Description, &e.FileRef, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Role, e.Type = Role(role), EvidenceType(typ)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordVote relies on UNIQUE (dispute_id, voter_id) so concurrent
// duplicates across instances also fail.
func (p *PostgresStore) RecordVote(ctx context.Context, v *Vote) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dispute_votes (id, dispute_id, voter_id, choice, reasoning, suggested_split, tx_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.ID, v.DisputeID, v.VoterID, string(v.Choice), nullString(v.Reasoning),
		nullInt(v.SuggestedSplit), nullString(v.TxRef), v.CreatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "23505":
			return ErrAlreadyVoted
		case "23503":
			return ErrDisputeNotFound
		}
	}
	if err != nil {
		return err
	}

	forClient, forFreelancer := 0, 0
	if v.Choice == ChoiceClient {
		forClient = 1
	} else {
		forFreelancer = 1
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE disputes SET
			votes_for_client = votes_for_client + $2,
			votes_for_freelancer = votes_for_freelancer + $3,
			total_votes = total_votes + 1,
			updated_at = $4
		WHERE id = $1`, v.DisputeID, forClient, forFreelancer, v.CreatedAt)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err != nil {
		return err
	} else if rows == 0 {
		return ErrDisputeNotFound
	}
	return tx.Commit()
}

func (p *PostgresStore) HasVoted(ctx context.Context, disputeID, voterID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM dispute_votes WHERE dispute_id = $1 AND voter_id = $2)`,
		disputeID, voterID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListVotes(ctx context.Context, disputeID string) ([]*Vote, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, dispute_id, voter_id, choice, COALESCE(reasoning, ''), suggested_split, COALESCE(tx_ref, ''), created_at
		FROM dispute_votes
		WHERE dispute_id = $1
		ORDER BY created_at`, disputeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []*Vote{}
	for rows.Next() {
		v := &Vote{}
		var choice string
		var split sql.NullInt64
		if err := rows.Scan(&v.ID, &v.DisputeID, &v.VoterID, &choice, &v.Reasoning, &split, &v.TxRef, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Choice = Choice(choice)
		v.SuggestedSplit = intPtr(split)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *PostgresStore) one(ctx context.Context, query, arg string) (*Dispute, error) {
	d, err := scanDispute(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		jobID, claim, response, reasoning   sql.NullString
		resolution, notes, withdraw         sql.NullString
		role, reason, outcome, status       string
		clientStake, freelancerStake        string
		totalStaked, inDispute              string
		aiClient, aiFreelancer              sql.NullInt64
		clientPct, freelancerPct            sql.NullInt64
		verdictAt, votingStarts, votingEnds sql.NullTime
		resolvedAt, cancelledAt             sql.NullTime
	)
	err := s.Scan(
		&d.ID, &d.EscrowID, &jobID, &d.ClientID, &d.FreelancerID, &d.RaisedBy, &role,
		&reason, &outcome, &status,
		&clientStake, &freelancerStake, &d.ClientStaked, &d.FreelancerStaked,
		&totalStaked, &inDispute,
		&claim, &response, &aiClient, &aiFreelancer,
		&reasoning, &verdictAt, &d.ClientAcceptedVerdict, &d.FreelancerAcceptedVerdict,
		&votingStarts, &votingEnds, &d.VotesForClient, &d.VotesForFreelancer, &d.TotalVotes, &d.RequiredVotes,
		&resolution, &clientPct, &freelancerPct, &notes, &withdraw,
		&resolvedAt, &cancelledAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	for _, m := range []struct {
		dst **big.Int
		src string
	}{
		{&d.ClientStake, clientStake}, {&d.FreelancerStake, freelancerStake},
		{&d.TotalStaked, totalStaked}, {&d.AmountInDispute, inDispute},
	} {
		v, ok := usdc.Parse(m.src)
		if !ok {
			return nil, fmt.Errorf("dispute %s: unparseable amount %q", d.ID, m.src)
		}
		*m.dst = v
	}

	d.JobID = jobID.String
	d.RaiserRole = Role(role)
	d.Reason = Reason(reason)
	d.DesiredOutcome = Outcome(outcome)
	d.Status = Status(status)
	d.ClientClaim = claim.String
	d.FreelancerResponse = response.String
	d.AIClientPercentage = intPtr(aiClient)
	d.AIFreelancerPercentage = intPtr(aiFreelancer)
	d.AIReasoning = reasoning.String
	d.AIVerdictAt = timePtr(verdictAt)
	d.VotingStartsAt = timePtr(votingStarts)
	d.VotingEndsAt = timePtr(votingEnds)
	d.Resolution = Resolution(resolution.String)
	d.ClientPercentage = intPtr(clientPct)
	d.FreelancerPercentage = intPtr(freelancerPct)
	d.ResolutionNotes = notes.String
	d.WithdrawReason = withdraw.String
	d.ResolvedAt = timePtr(resolvedAt)
	d.CancelledAt = timePtr(cancelledAt)
	return d, nil
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

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
