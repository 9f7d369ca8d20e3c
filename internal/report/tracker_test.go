package report

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerHitAggregates(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTracker(mock)

	tr.Hit("greeting")
	tr.Hit("greeting")
	tr.Hit("farewell")
	tr.Hit("")

	usage := tr.UsageStats()
	require.Len(t, usage, 2)
	assert.Equal(t, Usage{Key: "farewell", Count: 1}, usage[0])
	assert.Equal(t, Usage{Key: "greeting", Count: 2}, usage[1])
}

func TestTrackerLastUsedAdvances(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTracker(mock)

	tr.Hit("greeting")
	first := mock.Now()
	mock.Add(time.Minute)
	tr.Hit("greeting")

	stats := tr.LastUsedStats()
	require.Len(t, stats, 1)
	assert.Equal(t, first.Add(time.Minute), stats[0].LastUsedAt)
}

func TestTrackerMissingSeparateFromUsage(t *testing.T) {
	tr := NewTracker(clock.NewMock())

	tr.Hit("exists")
	tr.Miss("ghost")
	tr.Miss("ghost")
	tr.Miss("phantom")

	assert.Equal(t, []string{"ghost", "phantom"}, tr.MissingKeys())
	assert.Len(t, tr.UsageStats(), 1)

	missing := tr.MissingSource().UsageStats()
	require.Len(t, missing, 2)
	assert.Equal(t, Usage{Key: "ghost", Count: 2}, missing[0])
	assert.Nil(t, tr.MissingSource().LastUsedStats())
}
