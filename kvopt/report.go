package kvopt

import "time"

// AdvisorReport is the output of one analysis. It is rebuilt every time and
// never updated in place.
type AdvisorReport struct {
	HBMUtilization  float64          `json:"hbm_utilization"`
	HBMUsedGB       float64          `json:"hbm_used_gb"`
	P95LatencyMs    float64          `json:"p95_latency_ms"`
	Sequences       []SequenceInfo   `json:"sequences"`
	Recommendations []Recommendation `json:"recommendations"`
	Notes           []string         `json:"notes"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// TotalSavingsGB sums the estimated savings of every recommendation.
func (r AdvisorReport) TotalSavingsGB() float64 {
	total := 0.0
	for _, rec := range r.Recommendations {
		total += rec.EstimatedSavingsGB
	}
	return total
}
