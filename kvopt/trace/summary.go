package trace

// Summary aggregates statistics from a PlanTrace.
type Summary struct {
	Plans          int
	FinalStatus    map[string]int // terminal status -> plans
	Approved       int
	Shadowed       int
	Rejected       int
	ActionOutcomes map[string]int // outcome -> actions
	TokensMoved    int
	FreedGB        float64
	MeanDeviation  float64 // over actions that measured one
	MaxDeviation   float64
}

// Summarize computes aggregate statistics from a PlanTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(pt *PlanTrace) *Summary {
	s := &Summary{
		FinalStatus:    make(map[string]int),
		ActionOutcomes: make(map[string]int),
	}
	if pt == nil {
		return s
	}

	last := make(map[string]string)
	var order []string
	for _, t := range pt.Transitions() {
		if _, seen := last[t.PlanID]; !seen {
			order = append(order, t.PlanID)
		}
		last[t.PlanID] = t.To
	}
	s.Plans = len(order)
	for _, id := range order {
		s.FinalStatus[last[id]]++
	}

	for _, v := range pt.Verdicts() {
		switch v.Verdict {
		case VerdictApproved:
			s.Approved++
		case VerdictShadowed:
			s.Shadowed++
		case VerdictRejected:
			s.Rejected++
		}
	}

	measured, total := 0, 0.0
	for _, a := range pt.Actions() {
		s.ActionOutcomes[a.Outcome]++
		s.TokensMoved += a.TokensMoved
		s.FreedGB += a.FreedGB
		if a.DeviationPct > 0 {
			measured++
			total += a.DeviationPct
			if a.DeviationPct > s.MaxDeviation {
				s.MaxDeviation = a.DeviationPct
			}
		}
	}
	if measured > 0 {
		s.MeanDeviation = total / float64(measured)
	}
	return s
}
