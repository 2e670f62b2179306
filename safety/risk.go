package safety

import "time"

// RiskLevel is the coarse account risk derived from recent traffic.
type RiskLevel int32

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// RiskMetrics is a snapshot of the counters behind the risk level.
type RiskMetrics struct {
	RequestCount int64     `json:"request_count"`
	ErrorCount   int64     `json:"error_count"`
	LastActivity time.Time `json:"last_activity"`
	RiskLevel    RiskLevel `json:"risk_level"`
}

// classifyRisk applies the thresholds: high above 30% errors or sub-second spacing,
// medium above 10% errors or spacing under five seconds.
func classifyRisk(requests, errors int64, idle time.Duration) RiskLevel {
	rate := float64(errors) / float64(max(requests, 1))
	switch {
	case rate > 0.3 || idle < time.Second:
		return RiskHigh
	case rate > 0.1 || idle < 5*time.Second:
		return RiskMedium
	default:
		return RiskLow
	}
}
