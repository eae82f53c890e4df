package cpd_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/cpd-engine/cpd"
)

func date(y int, m time.Month, day int) time.Time {
	return time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
}

func TestAddMonths_ClampsToMonthEnd(t *testing.T) {
	assert.Equal(t, date(2025, time.February, 28), cpd.AddMonths(date(2025, time.January, 31), 1))
	assert.Equal(t, date(2024, time.February, 29), cpd.AddMonths(date(2024, time.January, 31), 1))
	assert.Equal(t, date(2026, time.January, 15), cpd.AddMonths(date(2025, time.December, 15), 1))
	assert.Equal(t, date(2025, time.April, 30), cpd.AddMonths(date(2025, time.March, 31), 1))
}

func TestNextAllocationPeriod(t *testing.T) {
	now := time.Date(2025, time.March, 20, 14, 30, 0, 0, time.UTC)

	// Never allocated: due today.
	p, due := cpd.NextAllocationPeriod(nil, now)
	assert.True(t, due)
	assert.Equal(t, date(2025, time.March, 20), p.Start)
	assert.Equal(t, "2025-03-20", p.Key())

	// Allocated a month ago: due, anchored to the old boundary not now.
	last := date(2025, time.February, 10)
	p, due = cpd.NextAllocationPeriod(&last, now)
	assert.True(t, due)
	assert.Equal(t, date(2025, time.March, 10), p.Start)
	assert.Equal(t, date(2025, time.April, 10), p.End)

	// Allocated this month: not due yet.
	last = date(2025, time.March, 1)
	_, due = cpd.NextAllocationPeriod(&last, now)
	assert.False(t, due)
}

func TestPeriod_Next(t *testing.T) {
	p := cpd.MonthlyPeriod(date(2025, time.January, 10))
	assert.Equal(t, date(2025, time.February, 10), p.End)

	next := p.Next()
	assert.Equal(t, date(2025, time.February, 10), next.Start)
	assert.Equal(t, "[2025-02-10, 2025-03-10)", next.String())
}
