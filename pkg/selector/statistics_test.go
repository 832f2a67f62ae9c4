package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStatisticsRepoList(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	repo := NewStatisticsRepo(time.Hour)
	repo.now = func() time.Time { return now }

	repo.RecordDispatched("a")
	now = now.Add(10 * time.Minute)
	repo.RecordDispatched("a")
	repo.RecordDispatched("b")
	now = now.Add(10 * time.Minute)

	stats := repo.List([]string{"a", "b", "c", "a"}, now.Add(-15*time.Minute))
	assert.Equal(t, []Statistics{
		{WorkerID: "a", DispatchTimes: 1, LatestDispatchAt: now.Add(-10 * time.Minute)},
		{WorkerID: "b", DispatchTimes: 1, LatestDispatchAt: now.Add(-10 * time.Minute)},
		{WorkerID: "c"},
	}, stats)
}

func TestStatisticsRepoTrimsExpiredHead(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	repo := NewStatisticsRepo(time.Hour)
	repo.now = func() time.Time { return now }

	for i := 0; i < 25; i++ {
		repo.RecordDispatched("old")
	}
	assert.Equal(t, 25, repo.Len())

	now = now.Add(2 * time.Hour)
	repo.RecordDispatched("new")
	assert.Equal(t, 16, repo.Len(), "one write removes at most ten expired records")

	repo.RecordDispatched("new")
	assert.Equal(t, 7, repo.Len())

	repo.RecordDispatched("new")
	assert.Equal(t, 3, repo.Len())
}

func TestStatisticsRepoDefaultWindow(t *testing.T) {
	assert.Equal(t, DefaultStatisticsWindow, NewStatisticsRepo(0).window)
}
