package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the data access the machine needs inside a transition
// transaction. Split out so the machine can be unit-tested against an
// in-memory implementation.
type Store interface {
	GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error)
	Update(ctx context.Context, tx pgx.Tx, d Dispute) error
	AppendEvent(ctx context.Context, tx pgx.Tx, ev DomainEvent) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

const disputeColumns = `
id, plaintiff_id, respondent_id::text, status::text, resolution_status::text,
respondent_accepted, ai_solutions, ai_reasoning, plaintiff_choice, defendant_choice,
reanalysis_count, plaintiff_verified, respondent_verified, plaintiff_signed,
respondent_signed, court_forward, message_count, version, created_at, updated_at, resolved_at`

// Repository is the PostgreSQL-backed dispute store.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateParams contains write parameters for opening a dispute.
type CreateParams struct {
	PlaintiffID  string
	RespondentID *string
}

// Create inserts a new pending dispute.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Dispute, error) {
	if params.PlaintiffID == "" {
		return Dispute{}, fmt.Errorf("dispute: plaintiff id required")
	}

	const insertSQL = `
		INSERT INTO disputes (plaintiff_id, respondent_id, status, resolution_status)
		VALUES ($1, $2, 'pending', 'none')
		RETURNING ` + disputeColumns

	return scanDispute(r.pool.QueryRow(ctx, insertSQL, params.PlaintiffID, params.RespondentID))
}

// Get fetches a dispute without locking it. Used by read paths and resync.
func (r *Repository) Get(ctx context.Context, disputeID string) (Dispute, error) {
	const selectSQL = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1`

	d, err := scanDispute(r.pool.QueryRow(ctx, selectSQL, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get: %w", err)
	}
	return d, nil
}

// ListForUser returns the disputes a user participates in, newest first.
func (r *Repository) ListForUser(ctx context.Context, userID string) ([]Dispute, error) {
	const listSQL = `
		SELECT ` + disputeColumns + `
		FROM disputes
		WHERE plaintiff_id = $1 OR respondent_id = $1
		ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, listSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Dispute, 0, 8)
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

// GetForUpdate loads the dispute row under a row lock. Every transition
// serializes on this lock, so two concurrent votes can never both observe
// an empty choice slot.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, disputeID string) (Dispute, error) {
	const selectSQL = `SELECT ` + disputeColumns + ` FROM disputes WHERE id = $1 FOR UPDATE`

	d, err := scanDispute(tx.QueryRow(ctx, selectSQL, disputeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNotFound
		}
		return Dispute{}, fmt.Errorf("dispute: get for update: %w", err)
	}
	return d, nil
}

// Update writes the mutated aggregate conditionally on the version read
// under the lock. A zero-row update means a writer slipped past us.
func (r *Repository) Update(ctx context.Context, tx pgx.Tx, d Dispute) error {
	solutions, err := json.Marshal(d.AISolutions)
	if err != nil {
		return fmt.Errorf("dispute: marshal solutions: %w", err)
	}
	var forward []byte
	if d.CourtForward != nil {
		forward, err = json.Marshal(d.CourtForward)
		if err != nil {
			return fmt.Errorf("dispute: marshal court forward: %w", err)
		}
	}

	const updateSQL = `
		UPDATE disputes
		SET respondent_id = $2,
		    status = $3::dispute_status,
		    resolution_status = $4::resolution_status,
		    respondent_accepted = $5,
		    ai_solutions = $6::jsonb,
		    ai_reasoning = $7,
		    plaintiff_choice = $8,
		    defendant_choice = $9,
		    reanalysis_count = $10,
		    plaintiff_verified = $11,
		    respondent_verified = $12,
		    plaintiff_signed = $13,
		    respondent_signed = $14,
		    court_forward = $15::jsonb,
		    message_count = $16,
		    resolved_at = $17,
		    version = version + 1,
		    updated_at = now()
		WHERE id = $1 AND version = $18`

	tag, err := tx.Exec(ctx, updateSQL,
		d.ID,
		d.RespondentID,
		d.Status,
		d.ResolutionStatus,
		d.RespondentAccepted,
		solutions,
		d.AIReasoning,
		d.PlaintiffChoice,
		d.DefendantChoice,
		d.ReanalysisCount,
		d.PlaintiffVerified,
		d.RespondentVerified,
		d.PlaintiffSigned,
		d.RespondentSigned,
		forward,
		d.MessageCount,
		d.ResolvedAt,
		d.Version,
	)
	if err != nil {
		return fmt.Errorf("dispute: update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrencyConflict
	}
	return nil
}

// AppendEvent records the transition on the dispute's timeline.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, ev DomainEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("dispute: marshal event: %w", err)
	}

	var actor any
	if ev.Actor != "" {
		actor = ev.Actor
	}

	const insertSQL = `
		INSERT INTO dispute_events (dispute_id, kind, payload, actor_id)
		VALUES ($1, $2, $3::jsonb, $4::uuid)`

	if _, err := tx.Exec(ctx, insertSQL, ev.DisputeID, ev.Kind, payload, actor); err != nil {
		return fmt.Errorf("dispute: insert event: %w", err)
	}
	return nil
}

// EnqueueOutbox emits an outbox message for downstream subscribers
// (report generation, email dispatch).
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dispute: marshal outbox payload: %w", err)
	}

	const insertSQL = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, insertSQL, topic, body); err != nil {
		return fmt.Errorf("dispute: enqueue outbox: %w", err)
	}
	return nil
}

func scanDispute(row pgx.Row) (Dispute, error) {
	var (
		d         Dispute
		solutions []byte
		forward   []byte
	)
	err := row.Scan(
		&d.ID,
		&d.PlaintiffID,
		&d.RespondentID,
		&d.Status,
		&d.ResolutionStatus,
		&d.RespondentAccepted,
		&solutions,
		&d.AIReasoning,
		&d.PlaintiffChoice,
		&d.DefendantChoice,
		&d.ReanalysisCount,
		&d.PlaintiffVerified,
		&d.RespondentVerified,
		&d.PlaintiffSigned,
		&d.RespondentSigned,
		&forward,
		&d.MessageCount,
		&d.Version,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.ResolvedAt,
	)
	if err != nil {
		return Dispute{}, err
	}

	if len(solutions) > 0 {
		if err := json.Unmarshal(solutions, &d.AISolutions); err != nil {
			return Dispute{}, fmt.Errorf("dispute: unmarshal solutions: %w", err)
		}
	}
	if len(forward) > 0 {
		var cf CourtForward
		if err := json.Unmarshal(forward, &cf); err != nil {
			return Dispute{}, fmt.Errorf("dispute: unmarshal court forward: %w", err)
		}
		d.CourtForward = &cf
	}
	return d, nil
}
