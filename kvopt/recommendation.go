package kvopt

import "fmt"

// ActionKind is the kind of memory reclamation an action performs.
type ActionKind string

const (
	ActionEvict      ActionKind = "evict"
	ActionOffload    ActionKind = "offload"
	ActionQuantize   ActionKind = "quantize"
	ActionDequantize ActionKind = "dequantize"
	// ActionReload brings offloaded or spilled tokens back into HBM. It is only
	// ever issued as the inverse of evict/offload during rollback.
	ActionReload ActionKind = "reload"
)

// Risk tiers attached to recommendations.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// PluginType is the capability family a plugin provides.
type PluginType string

const (
	PluginKVCache      PluginType = "kv_cache"
	PluginQuantization PluginType = "quantization"
	PluginEviction     PluginType = "eviction"
	PluginMonitoring   PluginType = "monitoring"
)

var validPluginTypes = map[PluginType]bool{
	PluginKVCache:      true,
	PluginQuantization: true,
	PluginEviction:     true,
	PluginMonitoring:   true,
}

// IsValidPluginType reports whether t names a known capability family.
func IsValidPluginType(t PluginType) bool { return validPluginTypes[t] }

// CapabilityFor maps an action kind to the plugin capability that executes it.
func CapabilityFor(kind ActionKind) (PluginType, error) {
	switch kind {
	case ActionEvict:
		return PluginEviction, nil
	case ActionOffload, ActionReload:
		return PluginKVCache, nil
	case ActionQuantize, ActionDequantize:
		return PluginQuantization, nil
	default:
		return "", fmt.Errorf("no capability for action %q", kind)
	}
}

// PluginDescriptor identifies a registered plugin. Only Enabled may change
// while the system is running.
type PluginDescriptor struct {
	Name     string
	Type     PluginType
	Enabled  bool
	Priority int // higher first
}

// Recommendation is a proposed action. It is a value type: superseded
// recommendations are regenerated, never patched.
type Recommendation struct {
	Action             ActionKind `json:"action"`
	SequenceID         string     `json:"sequence_id"`
	Tokens             int        `json:"tokens"`
	Detail             string     `json:"detail"`
	EstimatedSavingsGB float64    `json:"estimated_hbm_savings_gb"`
	Risk               Risk       `json:"risk"`
	Capability         PluginType `json:"capability"`
	Bitwidth           int        `json:"bitwidth,omitempty"`
	Confidence         float64    `json:"confidence"`
	AccuracyImpactPct  float64    `json:"accuracy_impact_pct"` // token-weighted share of the workload
}

// RiskFor returns the risk tier of an action; bitwidth only matters for quantize.
func RiskFor(kind ActionKind, bitwidth int) Risk {
	switch kind {
	case ActionEvict, ActionOffload, ActionReload, ActionDequantize:
		return RiskLow
	case ActionQuantize:
		if bitwidth < 4 {
			return RiskHigh
		}
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Action is the adapter-facing command for one physical move.
type Action struct {
	Kind       ActionKind
	SequenceID string
	Tokens     int  // tokens affected; the recent window is never included
	Bitwidth   int  // quantize target bitwidth
	TargetTier Tier // destination tier for offload
}

// ActionFor converts a recommendation into the adapter command that carries it out.
func ActionFor(rec Recommendation) Action {
	a := Action{Kind: rec.Action, SequenceID: rec.SequenceID, Tokens: rec.Tokens, Bitwidth: rec.Bitwidth}
	if rec.Action == ActionOffload {
		a.TargetTier = TierDDR
	}
	return a
}

// ExecutionResult reports what the adapter physically did.
type ExecutionResult struct {
	Action      ActionKind
	SequenceID  string
	TokensMoved int
	FreedGB     float64 // negative when the action grew HBM usage (reload, dequantize)
	Note        string
}
