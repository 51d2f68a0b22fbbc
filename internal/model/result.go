package model

// IterationResult is the parsed outcome of one worker spawn.
type IterationResult struct {
	Success          bool
	CompletionMarker bool
	BlockedReason    string
	CostUSD          float64
	TokensIn         int64
	TokensOut        int64
	SessionID        string
	RawText          string
}
