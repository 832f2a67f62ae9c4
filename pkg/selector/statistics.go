package selector

import (
	"sync"
	"time"
)

// DefaultStatisticsWindow bounds how far back dispatch records are kept
const DefaultStatisticsWindow = 12 * time.Hour

// maxTrimPerWrite caps how many expired head records one write removes
const maxTrimPerWrite = 10

// Statistics summarises dispatches to one worker
type Statistics struct {
	WorkerID         string
	DispatchTimes    int
	LatestDispatchAt time.Time // Zero if never dispatched in the window
}

// StatisticsProvider records and reports dispatches per worker
type StatisticsProvider interface {
	RecordDispatched(workerID string)
	List(workerIDs []string, since time.Time) []Statistics
}

type dispatchRecord struct {
	workerID   string
	dispatchAt time.Time
}

// StatisticsRepo is an in-memory, append-only StatisticsProvider. Records
// are kept in dispatch order; each write drops a few expired records from
// the head.
type StatisticsRepo struct {
	mu      sync.RWMutex
	records []dispatchRecord
	window  time.Duration
	now     func() time.Time
}

// NewStatisticsRepo creates a repo retaining records for window
func NewStatisticsRepo(window time.Duration) *StatisticsRepo {
	if window <= 0 {
		window = DefaultStatisticsWindow
	}
	return &StatisticsRepo{window: window, now: time.Now}
}

// RecordDispatched appends a dispatch record for workerID
func (r *StatisticsRepo) RecordDispatched(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.records = append(r.records, dispatchRecord{workerID: workerID, dispatchAt: now})

	expired := now.Add(-r.window)
	trim := 0
	for trim < maxTrimPerWrite && trim < len(r.records) && r.records[trim].dispatchAt.Before(expired) {
		trim++
	}
	if trim > 0 {
		r.records = append(r.records[:0:0], r.records[trim:]...)
	}
}

// List returns one entry per requested worker, counting dispatches after since
func (r *StatisticsRepo) List(workerIDs []string, since time.Time) []Statistics {
	index := make(map[string]int, len(workerIDs))
	out := make([]Statistics, 0, len(workerIDs))
	for _, id := range workerIDs {
		if _, ok := index[id]; ok {
			continue
		}
		index[id] = len(out)
		out = append(out, Statistics{WorkerID: id})
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.records) - 1; i >= 0; i-- {
		rec := r.records[i]
		if !rec.dispatchAt.After(since) {
			break
		}
		pos, ok := index[rec.workerID]
		if !ok {
			continue
		}
		s := &out[pos]
		s.DispatchTimes++
		if rec.dispatchAt.After(s.LatestDispatchAt) {
			s.LatestDispatchAt = rec.dispatchAt
		}
	}
	return out
}

// Len returns the number of retained records
func (r *StatisticsRepo) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
