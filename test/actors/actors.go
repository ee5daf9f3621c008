// Package actors holds the concurrent workload drivers for the stress test.
// Every actor hammers the state machine through its public API and treats
// the domain error taxonomy as expected contention, not failure.
package actors

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"caseflow/dispute"
)

// expected reports whether the error is part of the domain taxonomy, i.e. a
// legal rejection under contention rather than a bug.
func expected(err error) bool {
	return errors.Is(err, dispute.ErrInvalidTransition) ||
		errors.Is(err, dispute.ErrAlreadyActioned) ||
		errors.Is(err, dispute.ErrLimitExceeded) ||
		errors.Is(err, dispute.ErrValidationFailed) ||
		errors.Is(err, dispute.ErrUnauthorized) ||
		errors.Is(err, dispute.ErrConcurrencyConflict)
}

func pause(base, jitter int) {
	time.Sleep(time.Duration(base+rand.Intn(jitter)) * time.Millisecond)
}

// Accepter keeps re-sending the respondent's accept. Exactly one attempt may
// flip the dispute to active; every later one must be rejected.
func Accepter(ctx context.Context, m *dispute.Machine, disputeID, respondentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _, err := m.RequestTransition(ctx, dispute.TransitionRequest{
			DisputeID: disputeID,
			ActorID:   respondentID,
			Action:    dispute.ActionAccept,
		})
		if err != nil && !expected(err) {
			return err
		}
		pause(20, 40)
	}
}

// Voter submits random votes for one party, including the reject-all
// sentinel, whenever the dispute happens to be accepting them.
func Voter(ctx context.Context, m *dispute.Machine, disputeID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		choice := rand.Intn(3) - 1 // -1, 0 or 1
		_, _, err := m.RequestTransition(ctx, dispute.TransitionRequest{
			DisputeID: disputeID,
			ActorID:   actorID,
			Action:    dispute.ActionSubmitVote,
			Choice:    &choice,
		})
		if err != nil && !expected(err) {
			return err
		}
		pause(15, 35)
	}
}

// Reanalyzer requests new analysis rounds until the cap cuts it off.
func Reanalyzer(ctx context.Context, m *dispute.Machine, disputeID, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _, err := m.RequestTransition(ctx, dispute.TransitionRequest{
			DisputeID: disputeID,
			ActorID:   actorID,
			Action:    dispute.ActionRequestReanalysis,
		})
		if err != nil && !expected(err) {
			return err
		}
		pause(40, 60)
	}
}

// Messenger posts chat messages, driving the threshold that schedules the
// first analysis round.
func Messenger(ctx context.Context, m *dispute.Machine, disputeID, senderID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := m.RecordMessage(ctx, disputeID, senderID); err != nil && !expected(err) {
			return err
		}
		pause(10, 25)
	}
}

// Finisher pushes the back half of the workflow: detail confirmation,
// signatures and the admin approval, in whatever order the machine allows.
func Finisher(ctx context.Context, m *dispute.Machine, disputeID, actorID, adminID string, stop <-chan struct{}) error {
	actions := []dispute.TransitionRequest{
		{DisputeID: disputeID, ActorID: actorID, Action: dispute.ActionConfirmDetails},
		{DisputeID: disputeID, ActorID: actorID, Action: dispute.ActionSubmitSignature},
		{DisputeID: disputeID, ActorID: adminID, ActorRole: dispute.RoleAdmin, Action: dispute.ActionAdminApprove},
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		req := actions[rand.Intn(len(actions))]
		_, _, err := m.RequestTransition(ctx, req)
		if err != nil && !expected(err) {
			return err
		}
		pause(25, 50)
	}
}

// OutboxWorker drains committed outbox rows with SKIP LOCKED, the way a
// downstream dispatcher would.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE processed_at IS NULL ORDER BY id FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			pause(50, 50)
			continue
		}
		ids := make([]int64, 0, 10)
		for rows.Next() {
			var id int64
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			_, _ = tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW() WHERE id = $1`, id)
		}
		_ = tx.Commit(ctx)
		pause(100, 50)
	}
}
