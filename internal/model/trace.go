package model

// TraceStep is one step of an explain trace. Rule identifiers are stable
// strings; Observed carries the concrete state the rule was evaluated
// against, so that identical inputs always produce identical traces.
type TraceStep struct {
	Rule     string                 `json:"rule"`
	Observed map[string]interface{} `json:"observed,omitempty"`
	Outcome  string                 `json:"outcome"`
}

// Trace is the deterministic structured result of an explain operation.
type Trace struct {
	Operation string      `json:"operation"`
	Steps     []TraceStep `json:"steps"`
	Result    string      `json:"result"`
}

// Add appends a step and returns the trace for chaining.
func (t *Trace) Add(rule, outcome string, observed map[string]interface{}) *Trace {
	t.Steps = append(t.Steps, TraceStep{Rule: rule, Observed: observed, Outcome: outcome})
	return t
}
