package dashboard

import (
	"maps"
	"sync"
	"time"
)

const timeSeriesMinutes = 60

// Stats accumulates real-time statistics from decisions.
type Stats struct {
	mu sync.RWMutex

	totalRequests   uint64
	blockedCount    uint64
	challengedCount uint64
	allowedCount    uint64
	errorCount      uint64
	durationSum     float64

	dispositionCounts map[string]uint64
	localCounts       map[string]uint64
	siteKeyCounts     map[string]uint64
	cacheCounts       map[string]uint64

	// Per-minute buckets for the last 60 minutes
	timeBuckets [timeSeriesMinutes]timeBucket
}

type timeBucket struct {
	minute     time.Time // truncated to minute
	count      uint64
	blocked    uint64
	challenged uint64
}

// NewStats creates a new stats accumulator.
func NewStats() *Stats {
	return &Stats{
		dispositionCounts: make(map[string]uint64),
		localCounts:       make(map[string]uint64),
		siteKeyCounts:     make(map[string]uint64),
		cacheCounts:       make(map[string]uint64),
	}
}

// Record ingests a single decision.
func (s *Stats) Record(event *DashboardEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalRequests++
	s.durationSum += event.DurationMS

	switch {
	case event.Error != "":
		s.errorCount++
	case event.Blocked():
		s.blockedCount++
	case event.Challenged():
		s.challengedCount++
	default:
		s.allowedCount++
	}

	s.dispositionCounts[event.Disposition]++
	if event.LocalAssessment != "" {
		s.localCounts[event.LocalAssessment]++
	}
	if event.SiteKeyUsed != "" {
		s.siteKeyCounts[event.SiteKeyUsed]++
	}
	if event.PolicyCache != "" {
		s.cacheCounts[event.PolicyCache]++
	}

	now := event.Timestamp.UTC().Truncate(time.Minute)
	idx := now.Minute() % timeSeriesMinutes
	if !s.timeBuckets[idx].minute.Equal(now) {
		s.timeBuckets[idx] = timeBucket{minute: now}
	}
	s.timeBuckets[idx].count++
	if event.Blocked() {
		s.timeBuckets[idx].blocked++
	}
	if event.Challenged() {
		s.timeBuckets[idx].challenged++
	}
}

// Snapshot returns a point-in-time copy of the stats.
func (s *Stats) Snapshot() *StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &StatsSnapshot{
		TotalRequests:     s.totalRequests,
		BlockedCount:      s.blockedCount,
		ChallengedCount:   s.challengedCount,
		AllowedCount:      s.allowedCount,
		ErrorCount:        s.errorCount,
		DispositionCounts: maps.Clone(s.dispositionCounts),
		LocalCounts:       maps.Clone(s.localCounts),
		SiteKeyCounts:     maps.Clone(s.siteKeyCounts),
		CacheCounts:       maps.Clone(s.cacheCounts),
	}
	if s.totalRequests > 0 {
		snap.AvgDurationMS = s.durationSum / float64(s.totalRequests)
	}

	// Build time series from buckets (last 60 minutes, chronological)
	now := time.Now().UTC().Truncate(time.Minute)
	cutoff := now.Add(-timeSeriesMinutes * time.Minute)
	for i := 0; i < timeSeriesMinutes; i++ {
		t := cutoff.Add(time.Duration(i+1) * time.Minute)
		b := s.timeBuckets[t.Minute()%timeSeriesMinutes]
		if b.minute.Equal(t) {
			snap.TimeSeries = append(snap.TimeSeries, TimeSeriesPoint{
				Timestamp:  b.minute,
				Count:      b.count,
				Blocked:    b.blocked,
				Challenged: b.challenged,
			})
			continue
		}
		snap.TimeSeries = append(snap.TimeSeries, TimeSeriesPoint{Timestamp: t})
	}

	return snap
}
