package dashboard

import (
	"time"

	"github.com/coal/recaptchaedge/internal/pipeline"
	"github.com/coal/recaptchaedge/internal/policy"
)

// DashboardEvent wraps a Decision with a unique dashboard ID.
type DashboardEvent struct {
	ID string `json:"id"`
	pipeline.Decision
}

// WSMessage is the envelope for all WebSocket messages.
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// StatsSnapshot is a point-in-time snapshot of accumulated statistics.
type StatsSnapshot struct {
	TotalRequests     uint64            `json:"total_requests"`
	BlockedCount      uint64            `json:"blocked_count"`
	ChallengedCount   uint64            `json:"challenged_count"`
	AllowedCount      uint64            `json:"allowed_count"`
	ErrorCount        uint64            `json:"error_count"`
	AvgDurationMS     float64           `json:"avg_duration_ms"`
	DispositionCounts map[string]uint64 `json:"disposition_counts"`
	LocalCounts       map[string]uint64 `json:"local_assessment_counts"`
	SiteKeyCounts     map[string]uint64 `json:"site_key_counts"`
	CacheCounts       map[string]uint64 `json:"policy_cache_counts"`
	TimeSeries        []TimeSeriesPoint `json:"time_series"`
}

// TimeSeriesPoint is a single point in the 60-minute time series.
type TimeSeriesPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Count      uint64    `json:"count"`
	Blocked    uint64    `json:"blocked"`
	Challenged uint64    `json:"challenged"`
}

// InitialState is sent to clients on WebSocket connect.
type InitialState struct {
	Events   []*DashboardEvent       `json:"events"`
	Stats    *StatsSnapshot          `json:"stats"`
	Policies []policy.FirewallPolicy `json:"policies"`
}
