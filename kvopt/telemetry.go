package kvopt

import "time"

// BytesPerGB converts byte counts into the GB figures used throughout telemetry.
const BytesPerGB = 1 << 30

// SequenceInfo is one live request's KV cache footprint as reported by the adapter.
type SequenceInfo struct {
	ID           string    // Unique sequence identifier
	LengthTokens int       // Tokens currently held in the KV cache
	CreatedAt    time.Time // When the sequence was admitted
	LastAccessed time.Time // Last decode step that touched the sequence
}

// Age returns how long the sequence has been alive at its last access.
func (s SequenceInfo) Age() time.Duration {
	return s.LastAccessed.Sub(s.CreatedAt)
}

// TelemetrySnapshot is a point-in-time view of memory usage and latency.
// Snapshots are never mutated after construction, so they can be shared
// across goroutines without locking.
type TelemetrySnapshot struct {
	HBMUsedGB    float64
	HBMTotalGB   float64
	DDRUsedGB    float64
	P95LatencyMs float64
	CapturedAt   time.Time

	sequences []SequenceInfo
}

// NewTelemetrySnapshot builds a snapshot that owns a private copy of seqs.
func NewTelemetrySnapshot(hbmUsed, hbmTotal, ddrUsed, p95 float64, seqs []SequenceInfo, at time.Time) *TelemetrySnapshot {
	cp := make([]SequenceInfo, len(seqs))
	copy(cp, seqs)
	return &TelemetrySnapshot{
		HBMUsedGB:    hbmUsed,
		HBMTotalGB:   hbmTotal,
		DDRUsedGB:    ddrUsed,
		P95LatencyMs: p95,
		CapturedAt:   at,
		sequences:    cp,
	}
}

// HBMUtilization returns used/total, or 0 when the total is unknown.
func (t *TelemetrySnapshot) HBMUtilization() float64 {
	if t.HBMTotalGB <= 0 {
		return 0
	}
	return t.HBMUsedGB / t.HBMTotalGB
}

// Sequences returns a copy of the sequences in adapter order.
func (t *TelemetrySnapshot) Sequences() []SequenceInfo {
	cp := make([]SequenceInfo, len(t.sequences))
	copy(cp, t.sequences)
	return cp
}

// NumSequences returns the number of live sequences.
func (t *TelemetrySnapshot) NumSequences() int {
	return len(t.sequences)
}

// TotalTokens sums LengthTokens over all sequences.
func (t *TelemetrySnapshot) TotalTokens() int {
	total := 0
	for _, s := range t.sequences {
		total += s.LengthTokens
	}
	return total
}

// Sequence looks up a sequence by id.
func (t *TelemetrySnapshot) Sequence(id string) (SequenceInfo, bool) {
	for _, s := range t.sequences {
		if s.ID == id {
			return s, true
		}
	}
	return SequenceInfo{}, false
}
