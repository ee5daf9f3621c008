package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when the notification does not exist or belongs
// to someone else; callers cannot tell the two apart by design.
var ErrNotFound = errors.New("notification: not found")

// Repository is the durable notification store. Every mutation carries the
// recipient predicate so a notification can only ever be touched by its
// owner.
type Repository interface {
	Insert(ctx context.Context, n Notification) (Notification, error)
	List(ctx context.Context, recipientID string, unreadOnly bool) ([]Notification, error)
	MarkRead(ctx context.Context, recipientID, id string) error
	MarkAllRead(ctx context.Context, recipientID string) error
	Dismiss(ctx context.Context, recipientID, id string) error
	DismissByDispute(ctx context.Context, recipientID, disputeID string, t Type) error
	UnreadCount(ctx context.Context, recipientID string) (int, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const notificationColumns = `id, recipient_id, type::text, priority::text, title, message, dispute_id::text, is_read, created_at`

func (r *PGRepository) Insert(ctx context.Context, n Notification) (Notification, error) {
	const insertSQL = `
		INSERT INTO notifications (recipient_id, type, priority, title, message, dispute_id)
		VALUES ($1, $2::notification_type, $3::notification_priority, $4, $5, $6)
		RETURNING ` + notificationColumns

	row := r.pool.QueryRow(ctx, insertSQL, n.RecipientID, n.Type, n.Priority, n.Title, n.Message, n.DisputeID)
	out, err := scanNotification(row)
	if err != nil {
		return Notification{}, fmt.Errorf("notification: insert: %w", err)
	}
	return out, nil
}

func (r *PGRepository) List(ctx context.Context, recipientID string, unreadOnly bool) ([]Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE recipient_id = $1`
	if unreadOnly {
		query += ` AND is_read = false`
	}
	query += ` ORDER BY created_at DESC LIMIT 200`

	rows, err := r.pool.Query(ctx, query, recipientID)
	if err != nil {
		return nil, fmt.Errorf("notification: list: %w", err)
	}
	defer rows.Close()

	out := make([]Notification, 0, 16)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("notification: scan: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("notification: iterate: %w", err)
	}
	return out, nil
}

// MarkRead is idempotent: re-marking an already-read notification matches
// zero rows only when the row is missing or foreign.
func (r *PGRepository) MarkRead(ctx context.Context, recipientID, id string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET is_read = true WHERE id = $1 AND recipient_id = $2`,
		id, recipientID)
	if err != nil {
		return fmt.Errorf("notification: mark read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) MarkAllRead(ctx context.Context, recipientID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE notifications SET is_read = true WHERE recipient_id = $1 AND is_read = false`,
		recipientID)
	if err != nil {
		return fmt.Errorf("notification: mark all read: %w", err)
	}
	return nil
}

func (r *PGRepository) Dismiss(ctx context.Context, recipientID, id string) error {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM notifications WHERE id = $1 AND recipient_id = $2`,
		id, recipientID)
	if err != nil {
		return fmt.Errorf("notification: dismiss: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DismissByDispute removes every outstanding notification the recipient
// has for the dispute, optionally narrowed by type. Used when an action
// taken through another channel makes them stale.
func (r *PGRepository) DismissByDispute(ctx context.Context, recipientID, disputeID string, t Type) error {
	query := `DELETE FROM notifications WHERE recipient_id = $1 AND dispute_id = $2`
	args := []any{recipientID, disputeID}
	if t != "" {
		query += ` AND type = $3::notification_type`
		args = append(args, t)
	}

	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("notification: dismiss by dispute: %w", err)
	}
	return nil
}

func (r *PGRepository) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND is_read = false`,
		recipientID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("notification: unread count: %w", err)
	}
	return count, nil
}

func scanNotification(row pgx.Row) (Notification, error) {
	var n Notification
	err := row.Scan(
		&n.ID,
		&n.RecipientID,
		&n.Type,
		&n.Priority,
		&n.Title,
		&n.Message,
		&n.DisputeID,
		&n.IsRead,
		&n.CreatedAt,
	)
	return n, err
}
