package file

import "time"

// SessionView is the read-only snapshot a CompletionPolicy judges.
type SessionView struct {
	SessionID string
	Received  int
	// Total is the expected chunk count, zero while unknown.
	Total int
	// TotalDeclared reports an explicit totalChunks field; otherwise Total
	// was inferred from a last-chunk marker.
	TotalDeclared bool
	// MaxIndex is the highest stored index, -1 when nothing is stored.
	MaxIndex int
	// Forced is set for administrative and last-chunk triggered checks.
	Forced bool
}

// Decision is a policy's verdict. A complete decision with a positive
// Settle is confirmed only if the policy still agrees after that delay.
type Decision struct {
	Complete bool
	Settle   time.Duration
}

// CompletionPolicy decides whether a session holds a whole file. Policies
// are consulted in order and the first complete decision wins.
type CompletionPolicy interface {
	Name() string
	Evaluate(v SessionView) Decision
}

// KnownTotalPolicy completes once every expected chunk has arrived. The
// total comes from totalChunks or from the index of the last-chunk marker.
type KnownTotalPolicy struct{}

func (KnownTotalPolicy) Name() string { return "known-total" }

func (KnownTotalPolicy) Evaluate(v SessionView) Decision {
	return Decision{Complete: v.Total > 0 && v.Received >= v.Total}
}

// SingleChunkPolicy completes a session that holds exactly one chunk and
// no known total, after Settle passes without more data or metadata.
type SingleChunkPolicy struct {
	Settle time.Duration
}

func (SingleChunkPolicy) Name() string { return "single-chunk" }

func (p SingleChunkPolicy) Evaluate(v SessionView) Decision {
	if v.Total == 0 && v.Received == 1 {
		return Decision{Complete: true, Settle: p.Settle}
	}
	return Decision{}
}

// LargeCountPolicy treats a session with more than Threshold chunks and no
// known total as complete. It bounds memory for senders that never declare
// a total and can truncate a larger file.
type LargeCountPolicy struct {
	Threshold int
}

func (LargeCountPolicy) Name() string { return "large-count" }

func (p LargeCountPolicy) Evaluate(v SessionView) Decision {
	return Decision{Complete: v.Total == 0 && v.Received > p.Threshold}
}

// DefaultPolicies returns the stock policy chain: known total, then the
// single-chunk settle, then the large-count safety valve.
func DefaultPolicies(settle time.Duration, threshold int) []CompletionPolicy {
	return []CompletionPolicy{
		KnownTotalPolicy{},
		SingleChunkPolicy{Settle: settle},
		LargeCountPolicy{Threshold: threshold},
	}
}

// StrictPolicies completes only on a declared total or a last-chunk marker.
func StrictPolicies() []CompletionPolicy {
	return []CompletionPolicy{KnownTotalPolicy{}}
}
