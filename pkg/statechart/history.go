package statechart

// HistoryMemory records, per compound state, the configuration active
// under it at the moment it was last exited. `history` pseudo-states
// resolve against this table at entry time.
type HistoryMemory struct {
	// recorded[compoundPath] is the set of descendant paths that were
	// active immediately before compoundPath was exited.
	recorded map[string][]string
}

func NewHistoryMemory() *HistoryMemory {
	return &HistoryMemory{recorded: make(map[string][]string)}
}

// Record stores the active descendants of compoundPath, taken from the
// configuration just before it is exited.
func (h *HistoryMemory) Record(compoundPath string, activeDescendants []string) {
	cp := make([]string, len(activeDescendants))
	copy(cp, activeDescendants)
	h.recorded[compoundPath] = cp
}

// Resolve returns the recorded descendants for a compound state, or
// (nil, false) if the state was never exited yet.
func (h *HistoryMemory) Resolve(compoundPath string) ([]string, bool) {
	v, ok := h.recorded[compoundPath]
	return v, ok
}
