package cron

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextAfter_EveryMinuteTopOfMinute(t *testing.T) {
	after := time.Date(2025, 3, 4, 12, 34, 17, 0, time.UTC)
	next, ok := NextAfter("* * * * *", after)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 4, 12, 35, 0, 0, time.UTC), next)
}

func TestNextAfter_Invalid(t *testing.T) {
	_, ok := NextAfter("*/0 * * * *", time.Now())
	assert.False(t, ok)
	assert.False(t, IsValidCronExpression("*/0 * * * *"))
}

func TestNextAfter_SixFieldDropsSeconds(t *testing.T) {
	after := time.Date(2025, 3, 4, 12, 34, 17, 0, time.UTC)
	next, ok := NextAfter("30 * * * * *", after)
	require.True(t, ok)
	assert.Equal(t, time.Date(2025, 3, 4, 12, 35, 0, 0, time.UTC), next)
}

func TestNextAfter_AlwaysAfterInput(t *testing.T) {
	schedules := []string{"* * * * *", "0 9 * * 1-5", "*/15 * * * *", "0 0 1 * *"}
	after := time.Date(2025, 6, 15, 23, 59, 59, 0, time.UTC)
	for _, s := range schedules {
		next, ok := NextAfter(s, after)
		require.True(t, ok, s)
		assert.True(t, next.After(after), s)
		sched, _ := Parse(s)
		assert.True(t, sched.matches(next), s)
	}
}

func TestIsValidCronExpression(t *testing.T) {
	assert.True(t, IsValidCronExpression("* * * * *"))
	assert.True(t, IsValidCronExpression("0 9 * * 1-5"))
	assert.True(t, IsValidCronExpression("*/15 * * * *"))
	assert.False(t, IsValidCronExpression("* * * *"))      // too few fields
	assert.False(t, IsValidCronExpression("60 * * * *"))   // out of range
	assert.False(t, IsValidCronExpression("*/0 * * * *"))  // zero step
	assert.False(t, IsValidCronExpression("1-60 * * * *")) // out of range upper bound
}

func TestParseField_CommaList(t *testing.T) {
	sched, ok := Parse("0,15,30,45 * * * *")
	require.True(t, ok)
	for _, m := range []int{0, 15, 30, 45} {
		_, present := sched.fields[0][m]
		assert.True(t, present, m)
	}
	_, present := sched.fields[0][1]
	assert.False(t, present)
}

func TestParseField_RangeStep(t *testing.T) {
	sched, ok := Parse("10-20/5 * * * *")
	require.True(t, ok)
	for _, m := range []int{10, 15, 20} {
		_, present := sched.fields[0][m]
		assert.True(t, present, m)
	}
	_, present := sched.fields[0][11]
	assert.False(t, present)
}

func TestNextAfter_NoMatchReturnsFalseEventually(t *testing.T) {
	// Day-of-month 31 in February never matches; the search should exhaust
	// its bound and report no match rather than looping forever.
	_, ok := NextAfter("0 0 31 2 *", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.False(t, ok)
}
