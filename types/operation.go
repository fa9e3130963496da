// Package types defines core domain types for the resolvd runtime.
//
//nolint:revive // types is a common Go package naming convention
package types

import "fmt"

// OperationKind identifies which logical call a sandbox callback belongs to.
// It names a kind of call, not a specific invocation: at most one call of a
// given kind may be awaiting its reply per resolver instance.
type OperationKind int

// Operation kinds. The numeric values are part of the sandbox call surface
// (they appear verbatim in evaluated statements) and must not change.
const (
	OpInit            OperationKind = 1
	OpFetchSettings   OperationKind = 2
	OpFetchUserConfig OperationKind = 3
	OpResolve         OperationKind = 4
	OpAddTrackResults OperationKind = 5
)

var operationNames = map[OperationKind]string{
	OpInit:            "init",
	OpFetchSettings:   "fetch_settings",
	OpFetchUserConfig: "fetch_user_config",
	OpResolve:         "resolve",
	OpAddTrackResults: "add_track_results",
}

// Valid returns true if k is one of the known operation kinds.
func (k OperationKind) Valid() bool {
	_, ok := operationNames[k]
	return ok
}

func (k OperationKind) String() string {
	if name, ok := operationNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// OperationKinds returns all known kinds in numeric order.
func OperationKinds() []OperationKind {
	return []OperationKind{OpInit, OpFetchSettings, OpFetchUserConfig, OpResolve, OpAddTrackResults}
}
