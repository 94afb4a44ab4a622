package health

import (
	"time"
)

const (
	StatusOK       = "ok"
	StatusWarn     = "warn"
	StatusCritical = "critical"

	RecommendProceed       = "proceed"
	RecommendStayOnPrimary = "stay_on_primary"
	RecommendDoNotProceed  = "do_not_proceed"
)

// Inputs is everything Evaluate looks at, gathered in one read-only pass.
type Inputs struct {
	PrimaryBackend string `json:"primary_backend"`

	PrimaryOK           bool  `json:"primary_ok"`
	PrimaryLatencyMS    int64 `json:"primary_latency_ms"`
	PrimaryItemCount    int64 `json:"primary_item_count"`
	SecondaryConfigured bool  `json:"secondary_configured"`
	SecondaryOK         bool  `json:"secondary_ok"`
	SecondaryLatencyMS  int64 `json:"secondary_latency_ms"`
	SecondaryItemCount  int64 `json:"secondary_item_count"`

	CacheOK       bool    `json:"cache_ok"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	CacheRequests int64   `json:"cache_requests"`

	PendingViewEvents int64 `json:"pending_view_events"`
	PendingCopyEvents int64 `json:"pending_copy_events"`

	Divergences24h      int64 `json:"divergences_24h"`
	DivergenceThreshold int64 `json:"divergence_threshold"`
}

type Report struct {
	Status         string    `json:"status"`
	Recommendation string    `json:"recommendation"`
	Reasons        []string  `json:"reasons,omitempty"`
	GeneratedAt    time.Time `json:"generated_at"`
	Inputs         Inputs    `json:"inputs"`
}

// Evaluate is the fixed recommendation table over the collected inputs.
// It is a pure function; the only side effects in this package are the
// read calls Collector makes to gather Inputs.
func Evaluate(in Inputs) Report {
	report := Report{
		Status:         StatusOK,
		Recommendation: RecommendProceed,
		GeneratedAt:    time.Now().UTC(),
		Inputs:         in,
	}

	secondaryDown := in.SecondaryConfigured && !in.SecondaryOK

	switch {
	case !in.PrimaryOK && (!in.SecondaryConfigured || !in.SecondaryOK):
		report.Status = StatusCritical
		report.Recommendation = RecommendDoNotProceed
		report.Reasons = append(report.Reasons, "both backends unreachable")
	case !in.PrimaryOK:
		report.Status = StatusCritical
		report.Recommendation = RecommendDoNotProceed
		report.Reasons = append(report.Reasons, "primary backend unreachable")
	case secondaryDown:
		report.Status = StatusWarn
		report.Recommendation = RecommendStayOnPrimary
		report.Reasons = append(report.Reasons, "secondary backend unreachable")
	case in.Divergences24h > in.DivergenceThreshold:
		report.Status = StatusWarn
		report.Recommendation = RecommendStayOnPrimary
		report.Reasons = append(report.Reasons, "divergence count above threshold")
	case !in.CacheOK:
		report.Status = StatusWarn
		report.Recommendation = RecommendProceed
		report.Reasons = append(report.Reasons, "cache unhealthy")
	}

	return report
}
