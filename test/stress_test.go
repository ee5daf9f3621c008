package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"caseflow/dispute"
	"caseflow/test/actors"
	"caseflow/test/chaos"
	"caseflow/test/infra"
	"caseflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 60*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 4, "number of concurrent actor pairs")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", false, "kill random database backends during the run")
)

func TestDisputeWorkflowConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if !dockerAvailable(ctx) {
			t.Skip("docker unavailable and no DSN provided")
		}
		pgC, dsn, err = infra.StartPostgres16(ctx, "")
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	repo := dispute.NewRepository(pool)
	machine := dispute.NewMachine(pool, repo, slowAnalyzer(), zerolog.Nop())

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	g.Go(func() error {
		return actors.Accepter(ctx2, machine, seedData.disputeID, seedData.respondentID, stop)
	})
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error {
			return actors.Voter(ctx2, machine, seedData.disputeID, seedData.plaintiffID, stop)
		})
		g.Go(func() error {
			return actors.Voter(ctx2, machine, seedData.disputeID, seedData.respondentID, stop)
		})
		g.Go(func() error {
			return actors.Messenger(ctx2, machine, seedData.disputeID, seedData.plaintiffID, stop)
		})
		g.Go(func() error {
			return actors.Messenger(ctx2, machine, seedData.disputeID, seedData.respondentID, stop)
		})
	}
	g.Go(func() error {
		return actors.Reanalyzer(ctx2, machine, seedData.disputeID, seedData.plaintiffID, stop)
	})
	g.Go(func() error {
		return actors.Finisher(ctx2, machine, seedData.disputeID, seedData.plaintiffID, seedData.adminID, stop)
	})
	g.Go(func() error {
		return actors.Finisher(ctx2, machine, seedData.disputeID, seedData.respondentID, seedData.adminID, stop)
	})
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })

	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

// slowAnalyzer mimics the latency of the real analysis collaborator.
func slowAnalyzer() dispute.Analyzer {
	return dispute.AnalyzerFunc(func(ctx context.Context, disputeID string) ([]dispute.Solution, string, error) {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-time.After(time.Duration(50+rand.Intn(150)) * time.Millisecond):
		}
		return []dispute.Solution{
			{Title: "Option A", Description: "Partial refund."},
			{Title: "Option B", Description: "Full refund with return."},
		}, "stress analysis", nil
	})
}

type seedIDs struct {
	plaintiffID  string
	respondentID string
	adminID      string
	disputeID    string
}

func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs
	insertUser := `INSERT INTO users (email, full_name, password_hash, role) VALUES ($1, $2, '', $3) RETURNING id`

	if err := pool.QueryRow(ctx, insertUser, fmt.Sprintf("p%d@example.com", rand.Int63()), "Stress Plaintiff", "user").Scan(&s.plaintiffID); err != nil {
		t.Fatalf("seed plaintiff: %v", err)
	}
	if err := pool.QueryRow(ctx, insertUser, fmt.Sprintf("r%d@example.com", rand.Int63()), "Stress Respondent", "user").Scan(&s.respondentID); err != nil {
		t.Fatalf("seed respondent: %v", err)
	}
	if err := pool.QueryRow(ctx, insertUser, fmt.Sprintf("a%d@example.com", rand.Int63()), "Stress Admin", "admin").Scan(&s.adminID); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	if err := pool.QueryRow(ctx,
		`INSERT INTO disputes (plaintiff_id, respondent_id) VALUES ($1, $2) RETURNING id`,
		s.plaintiffID, s.respondentID).Scan(&s.disputeID); err != nil {
		t.Fatalf("seed dispute: %v", err)
	}
	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"disputes", `SELECT id, status, resolution_status, plaintiff_choice, defendant_choice, reanalysis_count, message_count, version FROM disputes ORDER BY updated_at DESC LIMIT 20`},
		{"dispute_events", `SELECT id, dispute_id, kind, created_at FROM dispute_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, created_at, processed_at FROM outbox ORDER BY id DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
