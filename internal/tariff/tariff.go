// Package tariff resolves which fee rule applies to a fuel transaction.
package tariff

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Rule is a fee/discount percentage with a prioritized match key. Empty
// constraint fields are wildcards; a rule with no constraints set matches
// anything. Rules are immutable once referenced by a transaction.
type Rule struct {
	ID         uuid.UUID
	PolicyID   uuid.UUID
	FeePercent decimal.Decimal

	// Validity window. A zero ValidTo means open-ended.
	ValidFrom time.Time
	ValidTo   time.Time

	StationID       string
	StationType     string
	Region          string
	ProductGroup    string
	ProductCategory string

	// Priority breaks ties between rules at the same specificity tier.
	Priority int
}

// Context carries the transaction attributes a rule can match on.
type Context struct {
	StationID       string
	StationType     string
	Region          string
	ProductGroup    string
	ProductCategory string
}

// Specificity tiers, most specific first. A rule's tier is decided by the
// most specific constraint it sets.
const (
	tierStation = iota
	tierStationType
	tierRegion
	tierProductGroup
	tierProductCategory
	tierWildcard
)

// ValidAt reports whether the rule's validity window covers t.
func (r Rule) ValidAt(t time.Time) bool {
	if t.Before(r.ValidFrom) {
		return false
	}
	if !r.ValidTo.IsZero() && t.After(r.ValidTo) {
		return false
	}
	return true
}

// Tier returns the rule's specificity tier.
func (r Rule) Tier() int {
	switch {
	case r.StationID != "":
		return tierStation
	case r.StationType != "":
		return tierStationType
	case r.Region != "":
		return tierRegion
	case r.ProductGroup != "":
		return tierProductGroup
	case r.ProductCategory != "":
		return tierProductCategory
	default:
		return tierWildcard
	}
}

// Matches reports whether the rule's set constraints all hold for ctx.
// Unset constraints are ignored.
func (r Rule) Matches(ctx Context) bool {
	if r.StationID != "" && r.StationID != ctx.StationID {
		return false
	}
	if r.StationType != "" && r.StationType != ctx.StationType {
		return false
	}
	if r.Region != "" && r.Region != ctx.Region {
		return false
	}
	if r.ProductGroup != "" && r.ProductGroup != ctx.ProductGroup {
		return false
	}
	if r.ProductCategory != "" && r.ProductCategory != ctx.ProductCategory {
		return false
	}
	return true
}
