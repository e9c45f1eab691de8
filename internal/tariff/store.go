package tariff

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const queryTimeout = 10 * time.Second

// LoadRules reads the full tariff rule set. The resolver works on an
// immutable snapshot; a config change means reloading and rebuilding it.
func LoadRules(ctx context.Context, pool *pgxpool.Pool) ([]Rule, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := pool.Query(ctx, `
		SELECT id, policy_id, fee_percent, valid_from,
		       COALESCE(valid_to, '0001-01-01'::timestamptz),
		       COALESCE(station_id, ''), COALESCE(station_type, ''),
		       COALESCE(region, ''), COALESCE(product_group, ''),
		       COALESCE(product_category, ''), priority
		FROM tariff_rules
		ORDER BY policy_id, priority DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tariff rules: %w", err)
	}
	defer rows.Close()

	var rules []Rule
	for rows.Next() {
		var r Rule
		if err := rows.Scan(
			&r.ID, &r.PolicyID, &r.FeePercent, &r.ValidFrom, &r.ValidTo,
			&r.StationID, &r.StationType, &r.Region, &r.ProductGroup,
			&r.ProductCategory, &r.Priority,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tariff rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tariff rules: %w", err)
	}
	return rules, nil
}
