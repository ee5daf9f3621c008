// Package oracles defines the SQL invariants checked while the stress
// workload runs. Each oracle returns rows only when the invariant is broken.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_reanalysis_cap",
			SQL:  `SELECT id, reanalysis_count FROM disputes WHERE reanalysis_count > 2`,
		},
		{
			Name: "O2_resolution_requires_converged_votes",
			SQL: `SELECT id, plaintiff_choice, defendant_choice FROM disputes
                  WHERE status IN ('resolution_in_progress','pending_admin_approval','resolved')
                    AND (plaintiff_choice IS NULL
                         OR defendant_choice IS NULL
                         OR plaintiff_choice <> defendant_choice
                         OR plaintiff_choice = -1)`,
		},
		{
			Name: "O3_status_resolution_coupling",
			SQL: `SELECT id, status, resolution_status FROM disputes
                  WHERE (status = 'resolved' AND resolution_status <> 'finalized')
                     OR (status = 'pending_admin_approval' AND resolution_status <> 'admin_review')
                     OR (status = 'resolution_in_progress'
                         AND resolution_status NOT IN ('awaiting_verification','awaiting_signature'))
                     OR (status IN ('pending','active','awaiting_decision','reanalyzing')
                         AND resolution_status <> 'none')`,
		},
		{
			Name: "O4_signature_requires_verification",
			SQL: `SELECT id FROM disputes
                  WHERE (plaintiff_signed OR respondent_signed)
                    AND NOT (plaintiff_verified AND respondent_verified)`,
		},
		{
			Name: "O5_court_forward_payload",
			SQL: `SELECT id FROM disputes
                  WHERE (status = 'forwarded_to_court' AND court_forward IS NULL)
                     OR (status <> 'forwarded_to_court' AND court_forward IS NOT NULL)`,
		},
		{
			Name: "O6_vote_within_solution_range",
			SQL: `SELECT id, plaintiff_choice, defendant_choice FROM disputes
                  WHERE (plaintiff_choice IS NOT NULL
                         AND (plaintiff_choice < -1
                              OR plaintiff_choice >= COALESCE(jsonb_array_length(ai_solutions), 0)))
                     OR (defendant_choice IS NOT NULL
                         AND (defendant_choice < -1
                              OR defendant_choice >= COALESCE(jsonb_array_length(ai_solutions), 0)))`,
		},
		{
			Name: "O7_active_requires_acceptance",
			SQL: `SELECT id, status FROM disputes
                  WHERE status NOT IN ('pending','forwarded_to_court')
                    AND respondent_accepted = false`,
		},
		{
			Name: "O8_resolved_timestamp",
			SQL:  `SELECT id FROM disputes WHERE status = 'resolved' AND resolved_at IS NULL`,
		},
		{
			Name: "O9_outbox_not_stuck",
			SQL: `SELECT id, topic FROM outbox
                  WHERE processed_at IS NULL AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample
// row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
