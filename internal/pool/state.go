// Package pool is the authoritative state machine over sandboxes: it
// indexes live ManagedSandboxes by id and by sessionId, persists a
// lifecycle record for every sandbox through the Repository, and runs
// the idle-sweep and cold-cleanup background jobs.
package pool

import "github.com/ash-run/ash/internal/db"

// ValidTransition reports whether moving a sandbox record from "from" to
// "to" is one this pool ever performs, per the lifecycle diagram:
// warming -> warm -> waiting <-> running, warming/warm/waiting/running -> cold.
func ValidTransition(from, to string) bool {
	switch from {
	case db.SandboxWarming:
		return to == db.SandboxWarm || to == db.SandboxCold
	case db.SandboxWarm:
		return to == db.SandboxWaiting || to == db.SandboxCold
	case db.SandboxWaiting:
		return to == db.SandboxRunning || to == db.SandboxCold
	case db.SandboxRunning:
		return to == db.SandboxWaiting || to == db.SandboxCold
	case db.SandboxCold:
		return false // cold is terminal for a record; a resume creates a new one
	default:
		return false
	}
}
