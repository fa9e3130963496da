package types

// ResolverID is a process-local identifier for a loaded resolver.
// Allocated by the registry; stable across reloads.
type ResolverID int

// ResolverState is the lifecycle state of a resolver.
//
//	Loading -> Ready -> (Idle <-> Resolving)
//
// Reload and close force Loading from any state.
type ResolverState int

const (
	// StateLoading means the script document is loading or the init
	// sequence (init, settings, user config) has not finished.
	StateLoading ResolverState = iota
	// StateReady means the init sequence completed and no resolve has run yet.
	StateReady
	// StateIdle means the last resolve completed.
	StateIdle
	// StateResolving means a resolve is awaiting its results callback.
	StateResolving
)

func (s ResolverState) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateIdle:
		return "idle"
	case StateResolving:
		return "resolving"
	default:
		return "unknown"
	}
}

// AcceptsResolve returns true if a resolve may be issued in this state.
func (s ResolverState) AcceptsResolve() bool {
	return s == StateReady || s == StateIdle
}

// Initialized returns true once the init sequence has completed.
func (s ResolverState) Initialized() bool {
	return s != StateLoading
}
