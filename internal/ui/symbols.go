package ui

// Unicode symbols for step status.
const (
	SymbolSuccess  = "✓" // Applied
	SymbolFail     = "✗" // Failed
	SymbolPending  = "○" // Would be applied (check mode)
	SymbolProgress = "◐" // Running
	SymbolComplete = "●" // Connected
	SymbolSkipped  = "⊘" // Already in place
)
