package tariff

import (
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Resolver finds the single applicable fee rule for a transaction. A
// missing rule is not fatal: callers record a zero fee and carry on,
// because ledger correctness does not depend on fee accuracy.
type Resolver struct {
	rules  []Rule
	logger *slog.Logger
}

// NewResolver creates a resolver over an immutable rule set.
func NewResolver(rules []Rule, logger *slog.Logger) *Resolver {
	return &Resolver{rules: rules, logger: logger}
}

// Resolve returns the most specific rule for the account's policy that is
// valid at the transaction time and whose constraints all match ctx.
// The second return is false when no rule matches.
func (r *Resolver) Resolve(policyID uuid.UUID, at time.Time, ctx Context) (*Rule, bool) {
	candidates := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		if rule.PolicyID != policyID {
			continue
		}
		if !rule.ValidAt(at) {
			continue
		}
		candidates = append(candidates, rule)
	}

	// Strict specificity order: station > station-type > region >
	// product-group > product-category > wildcard. Priority breaks ties
	// within one tier.
	sort.SliceStable(candidates, func(i, j int) bool {
		ti, tj := candidates[i].Tier(), candidates[j].Tier()
		if ti != tj {
			return ti < tj
		}
		return candidates[i].Priority > candidates[j].Priority
	})

	for i := range candidates {
		if candidates[i].Matches(ctx) {
			return &candidates[i], true
		}
	}

	if r.logger != nil {
		r.logger.Warn("no tariff rule matched, falling back to zero fee",
			"policy_id", policyID,
			"at", at,
			"station_id", ctx.StationID,
			"product_group", ctx.ProductGroup,
		)
	}
	return nil, false
}
