package proxy

import (
	"sync"
	"time"
)

// StatsSnapshot is a consistent copy of the request counters.
// TotalRequests always equals MitmRequests + BypassRequests.
type StatsSnapshot struct {
	TotalRequests    int64     `json:"totalRequests"`
	MitmRequests     int64     `json:"mitmRequests"`
	BypassRequests   int64     `json:"bypassRequests"`
	ModifiedRequests int64     `json:"modifiedRequests"`
	StartTime        time.Time `json:"startTime"`
	LastRequestTime  time.Time `json:"lastRequestTime"`
}

// stats is updated under one lock so a snapshot never observes a request
// counted in total but not yet in mitm or bypass.
type stats struct {
	mu   sync.Mutex
	snap StatsSnapshot
}

func (s *stats) recordRequest(mitm bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.TotalRequests++
	if mitm {
		s.snap.MitmRequests++
	} else {
		s.snap.BypassRequests++
	}
	s.snap.LastRequestTime = now
}

func (s *stats) recordModified() {
	s.mu.Lock()
	s.snap.ModifiedRequests++
	s.mu.Unlock()
}

func (s *stats) markStarted(now time.Time) {
	s.mu.Lock()
	s.snap.StartTime = now
	s.mu.Unlock()
}

// reset zeroes the counters but keeps the start time.
func (s *stats) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = StatsSnapshot{StartTime: s.snap.StartTime}
}

func (s *stats) snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}
