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
			Name: "O1_result_only_for_terminal",
			SQL: `SELECT r.id, r.status FROM workflow_requests r
                  JOIN workflow_results res ON res.request_id = r.id
                  WHERE r.status IN ('pending','cancelled')`,
		},
		{
			Name: "O2_terminal_has_result",
			SQL: `SELECT id, status FROM workflow_requests
                  WHERE status NOT IN ('pending','cancelled')
                  AND NOT EXISTS (SELECT 1 FROM workflow_results WHERE request_id = workflow_requests.id)`,
		},
		{
			Name: "O3_token_immutable",
			SQL: `SELECT res.request_id FROM workflow_results res
                  JOIN workflow_requests r ON r.id = res.request_id
                  WHERE res.correlation_token <> r.correlation_token`,
		},
		{
			Name: "O4_latest_points_at_terminal",
			SQL: `SELECT l.authority, l.domain_key, l.request_id FROM workflow_latest l
                  JOIN workflow_requests r ON r.id = l.request_id
                  WHERE r.status IN ('pending','cancelled')
                     OR r.authority <> l.authority
                     OR r.domain_key <> l.domain_key`,
		},
		{
			Name: "O5_hop_follows_request",
			SQL: `SELECT h.id, h.action FROM trace_hops h
                  WHERE h.action NOT LIKE '%Requested'
                  AND NOT EXISTS (
                      SELECT 1 FROM trace_hops p
                      WHERE p.correlation_token = h.correlation_token
                        AND p.action LIKE '%Requested'
                        AND p.id < h.id)`,
		},
		{
			Name: "O6_outbox_not_stale",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O7_no_reserved_attributes",
			SQL: `SELECT identity_id, key FROM identity_attributes
                  WHERE key IN ('verifiedWallet','boundAuthority')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
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
