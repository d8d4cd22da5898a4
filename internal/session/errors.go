package session

import "errors"

// Sentinel errors the server layer maps to HTTP status codes per the
// error taxonomy: validation -> 400, not-found -> 404, conflict -> 400/
// 409/410, capacity -> 503, auth -> 401.
var (
	ErrAgentNotFound       = errors.New("session: agent not found")
	ErrSessionNotFound     = errors.New("session: session not found")
	ErrSessionEnded        = errors.New("session: session already ended")
	ErrResumeEnded         = errors.New("session: cannot resume an ended session")
	ErrCapacityExhausted   = errors.New("session: no sandbox capacity available")
	ErrSnapshotUnavailable = errors.New("session: snapshot-unavailable")
	// ErrSendInFlight is returned when a second send arrives for a session
	// that already has a turn in progress. Per SPEC_FULL.md's resolution
	// of the concurrent-send open question, this is the safe default: reject
	// rather than interleave SSE frames from two turns on one bridge.
	ErrSendInFlight = errors.New("session: a turn is already in flight for this session")
)
