// Package session implements the Session Orchestrator: it enforces the
// session state machine, translates prompts into bridge queries, persists
// messages and events through the Repository, and streams turns back to
// callers as SSE.
package session

import "github.com/ash-run/ash/internal/db"

// ValidTransition reports whether moving a session from "from" to "to" is
// allowed by the state machine:
//
//	starting --(create ok)--> active --(pause)--> paused --(resume)--> active
//	         --(create fail)- error  --(resume)--> active
//	                          active --(end)----> ended (terminal)
//	                          paused --(end)----> ended
//
// The coordinator's runner-lost bulk pause writes paused directly through
// the repository without consulting this function, which reports
// starting -> paused as not allowed.
func ValidTransition(from, to string) bool {
	switch from {
	case db.SessionStarting:
		return to == db.SessionActive || to == db.SessionError
	case db.SessionActive:
		return to == db.SessionPaused || to == db.SessionEnded
	case db.SessionPaused:
		return to == db.SessionActive || to == db.SessionEnded
	case db.SessionError:
		return to == db.SessionActive // resume from error retries creation
	case db.SessionEnded:
		return false
	default:
		return false
	}
}
