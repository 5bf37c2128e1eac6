package meter

import "encoding/json"

// Outcome is what the operation executor returns.
type Outcome struct {
	Result     json.RawMessage
	MatchCount int

	// Deterministic marks a single-match lookup, as opposed to a search
	// that ranks several candidates.
	Deterministic bool
}

// Policy decides whether an outcome is billable. It must be a pure function
// of the outcome.
type Policy func(o *Outcome) bool

// DefaultPolicy bills every outcome except a deterministic lookup that found
// nothing.
func DefaultPolicy(o *Outcome) bool {
	return !(o.Deterministic && o.MatchCount == 0)
}

// AlwaysBillable bills every outcome
func AlwaysBillable(o *Outcome) bool {
	return true
}
