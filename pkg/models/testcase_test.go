package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMutationHash_StableAndDiscriminating(t *testing.T) {
	m := Mutation{RuleID: "r", TargetKind: TargetQueryParam, TargetName: "id", Op: OpSet, Value: "-1"}

	assert.Equal(t, m.Hash(), m.Hash())

	other := m
	other.Value = "0"
	assert.NotEqual(t, m.Hash(), other.Hash())

	// Zero-valued optional fields don't disturb the hash.
	withZero := m
	withZero.TargetIndex = 0
	assert.Equal(t, m.Hash(), withZero.Hash())
}

func TestSeverityRank_Ordering(t *testing.T) {
	assert.Greater(t, SeverityCritical.Rank(), SeverityHigh.Rank())
	assert.Greater(t, SeverityHigh.Rank(), SeverityMedium.Rank())
	assert.Greater(t, SeverityMedium.Rank(), SeverityLow.Rank())
	assert.Greater(t, SeverityLow.Rank(), SeverityInfo.Rank())
}

func TestExecutionRemaining_NeverNegative(t *testing.T) {
	e := &Execution{Total: 3, Done: 5}
	assert.Zero(t, e.Remaining())
}
