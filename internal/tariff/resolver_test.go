package tariff

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testPolicy = uuid.New()
	testTime   = time.Date(2024, 3, 16, 11, 24, 0, 0, time.UTC)
)

func rule(fee string, mutate func(*Rule)) Rule {
	r := Rule{
		ID:         uuid.New(),
		PolicyID:   testPolicy,
		FeePercent: decimal.RequireFromString(fee),
		ValidFrom:  testTime.AddDate(0, -1, 0),
	}
	if mutate != nil {
		mutate(&r)
	}
	return r
}

// TestStationRuleBeatsWildcard tests that a station-specific rule always wins
// over a wildcard valid at the same instant.
func TestStationRuleBeatsWildcard(t *testing.T) {
	wildcard := rule("1.5", nil)
	station := rule("3.0", func(r *Rule) { r.StationID = "AZS-17" })

	// Order in the slice must not matter
	resolver := NewResolver([]Rule{wildcard, station}, nil)

	got, ok := resolver.Resolve(testPolicy, testTime, Context{StationID: "AZS-17"})
	require.True(t, ok)
	assert.Equal(t, station.ID, got.ID)

	// A different station falls through to the wildcard
	got, ok = resolver.Resolve(testPolicy, testTime, Context{StationID: "AZS-99"})
	require.True(t, ok)
	assert.Equal(t, wildcard.ID, got.ID)
}

func TestSpecificityOrder(t *testing.T) {
	byRegion := rule("1.0", func(r *Rule) { r.Region = "77" })
	byGroup := rule("2.0", func(r *Rule) { r.ProductGroup = "diesel" })
	byType := rule("4.0", func(r *Rule) { r.StationType = "franchise" })
	byCategory := rule("0.5", func(r *Rule) { r.ProductCategory = "fuel" })

	resolver := NewResolver([]Rule{byCategory, byGroup, byRegion, byType}, nil)

	ctx := Context{
		StationType:     "franchise",
		Region:          "77",
		ProductGroup:    "diesel",
		ProductCategory: "fuel",
	}

	// station-type outranks region, product-group and product-category
	got, ok := resolver.Resolve(testPolicy, testTime, ctx)
	require.True(t, ok)
	assert.Equal(t, byType.ID, got.ID)

	// without a station type match, region wins next
	ctx.StationType = "owned"
	got, ok = resolver.Resolve(testPolicy, testTime, ctx)
	require.True(t, ok)
	assert.Equal(t, byRegion.ID, got.ID)

	// then product group
	ctx.Region = "50"
	got, ok = resolver.Resolve(testPolicy, testTime, ctx)
	require.True(t, ok)
	assert.Equal(t, byGroup.ID, got.ID)

	// then product category
	ctx.ProductGroup = "petrol-95"
	got, ok = resolver.Resolve(testPolicy, testTime, ctx)
	require.True(t, ok)
	assert.Equal(t, byCategory.ID, got.ID)
}

// TestMultiConstraintRuleMatchesOnlySetFields tests that a rule is evaluated
// only on the constraints it actually sets.
func TestMultiConstraintRuleMatchesOnlySetFields(t *testing.T) {
	r := rule("2.5", func(r *Rule) {
		r.StationID = "AZS-17"
		r.ProductGroup = "diesel"
	})
	resolver := NewResolver([]Rule{r}, nil)

	// Region differs but is unconstrained; still a match
	got, ok := resolver.Resolve(testPolicy, testTime, Context{
		StationID:    "AZS-17",
		ProductGroup: "diesel",
		Region:       "50",
	})
	require.True(t, ok)
	assert.Equal(t, r.ID, got.ID)

	// A set constraint that fails disqualifies the rule
	_, ok = resolver.Resolve(testPolicy, testTime, Context{
		StationID:    "AZS-17",
		ProductGroup: "petrol-95",
	})
	assert.False(t, ok)
}

func TestValidityWindow(t *testing.T) {
	expired := rule("1.0", func(r *Rule) {
		r.ValidFrom = testTime.AddDate(0, -2, 0)
		r.ValidTo = testTime.AddDate(0, -1, 0)
	})
	future := rule("2.0", func(r *Rule) {
		r.ValidFrom = testTime.AddDate(0, 1, 0)
	})
	current := rule("3.0", nil)

	resolver := NewResolver([]Rule{expired, future, current}, nil)

	got, ok := resolver.Resolve(testPolicy, testTime, Context{})
	require.True(t, ok)
	assert.Equal(t, current.ID, got.ID)
}

func TestNoRuleMatches(t *testing.T) {
	otherPolicy := rule("1.0", func(r *Rule) { r.PolicyID = uuid.New() })
	resolver := NewResolver([]Rule{otherPolicy}, nil)

	got, ok := resolver.Resolve(testPolicy, testTime, Context{})
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestPriorityBreaksTiesWithinTier(t *testing.T) {
	low := rule("1.0", func(r *Rule) { r.StationID = "AZS-17"; r.Priority = 1 })
	high := rule("2.0", func(r *Rule) { r.StationID = "AZS-17"; r.Priority = 10 })

	resolver := NewResolver([]Rule{low, high}, nil)

	got, ok := resolver.Resolve(testPolicy, testTime, Context{StationID: "AZS-17"})
	require.True(t, ok)
	assert.Equal(t, high.ID, got.ID)
}
