package lockmanager

// transitionTable is the static table of valid branch state transitions
// (spec §4.1 "State machine (branch)"). Transitions not listed are invalid.
var transitionTable = map[BranchState]map[BranchState]bool{
	StateActive: {
		StateLockedForWrite: true,
		StateMerging:        true,
		StateError:          true,
		StateArchived:       true,
	},
	StateLockedForWrite: {
		StateReady:    true,
		StateError:    true,
		StateArchived: true,
	},
	StateReady: {
		StateActive:   true,
		StateError:    true,
		StateArchived: true,
	},
	StateMerging: {
		StateActive:   true,
		StateError:    true,
		StateArchived: true,
	},
	StateError: {
		StateActive:   true,
		StateArchived: true,
	},
	StateArchived: {},
}

// isValidTransition reports whether from -> to appears in the static table.
// A no-op transition (from == to) is always permitted, matching the
// original's "already in state, return true" short-circuit.
func isValidTransition(from, to BranchState) bool {
	if from == to {
		return true
	}
	if from == "" {
		from = StateActive
	}
	allowed, ok := transitionTable[from]
	if !ok {
		return false
	}
	return allowed[to]
}
