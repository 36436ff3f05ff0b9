package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlan_ConcentratesOnMostUsed(t *testing.T) {
	// B already carries 2 projects, C none. With K=3 and 4 unbound
	// projects, B fills first (1 slot) and C takes the remaining 3.
	plan, deferred := Plan(4, []Candidate{
		{Name: "billingAccounts/C", Used: 0},
		{Name: "billingAccounts/B", Used: 2},
	}, 3)

	assert.Equal(t, []Assignment{
		{Name: "billingAccounts/B", Count: 1},
		{Name: "billingAccounts/C", Count: 3},
	}, plan)
	assert.Zero(t, deferred)
}

func TestPlan_CapExhaustion(t *testing.T) {
	// B has 1 slot, C is full. 5 unbound projects: 1 placed, 4 deferred.
	plan, deferred := Plan(5, []Candidate{
		{Name: "billingAccounts/B", Used: 2},
		{Name: "billingAccounts/C", Used: 3},
	}, 3)

	assert.Equal(t, []Assignment{{Name: "billingAccounts/B", Count: 1}}, plan)
	assert.Equal(t, 4, deferred)
}

func TestPlan_NoCandidates(t *testing.T) {
	plan, deferred := Plan(3, nil, 3)
	assert.Nil(t, plan)
	assert.Equal(t, 3, deferred)
}

func TestPlan_NoUnbound(t *testing.T) {
	plan, deferred := Plan(0, []Candidate{{Name: "billingAccounts/B", Used: 0}}, 3)
	assert.Nil(t, plan)
	assert.Zero(t, deferred)
}

func TestPlan_OverfullCandidateIgnored(t *testing.T) {
	// Usage above cap can happen when the cap was lowered between cycles.
	plan, deferred := Plan(2, []Candidate{
		{Name: "billingAccounts/A", Used: 5},
		{Name: "billingAccounts/B", Used: 0},
	}, 3)

	assert.Equal(t, []Assignment{{Name: "billingAccounts/B", Count: 2}}, plan)
	assert.Zero(t, deferred)
}

func TestPlan_TieBreakByName(t *testing.T) {
	plan, _ := Plan(2, []Candidate{
		{Name: "billingAccounts/ZZ", Used: 1},
		{Name: "billingAccounts/AA", Used: 1},
	}, 3)

	assert.Equal(t, []Assignment{
		{Name: "billingAccounts/AA", Count: 2},
	}, plan)
}

func TestPlan_SpillsInOrder(t *testing.T) {
	plan, deferred := Plan(7, []Candidate{
		{Name: "billingAccounts/A", Used: 2},
		{Name: "billingAccounts/B", Used: 1},
		{Name: "billingAccounts/C", Used: 0},
	}, 3)

	assert.Equal(t, []Assignment{
		{Name: "billingAccounts/A", Count: 1},
		{Name: "billingAccounts/B", Count: 2},
		{Name: "billingAccounts/C", Count: 3},
	}, plan)
	assert.Equal(t, 1, deferred)
}
