// Package bridge implements the length-prefixed JSON protocol spoken over
// a Unix domain socket between Ash and the process running inside a
// sandbox. One bridge handles at most one in-flight query at a time.
package bridge

import (
	"encoding/json"
	"fmt"
)

// Message kinds for the command/event split this protocol uses.
const (
	KindCommand = "command"
	KindEvent   = "event"
)

// Command types (server -> bridge).
const (
	CommandQuery = "query"
	CommandAbort = "abort"
)

// Event types (bridge -> server).
const (
	EventReady = "ready"
	EventEvent = "event"
	EventDone  = "done"
	EventError = "error"
)

// QueryOptions carries the tuning knobs passed through to the inner query
// engine. Extra carries any option the public API or a caller supplied
// that this struct has no named field for; MarshalJSON merges it into the
// wire object so unknown options still reach the bridge verbatim.
type QueryOptions struct {
	Resume                 bool            `json:"resume,omitempty"`
	Model                  string          `json:"model,omitempty"`
	Effort                 string          `json:"effort,omitempty"`
	Thinking               json.RawMessage `json:"thinking,omitempty"`
	MaxTurns               int             `json:"maxTurns,omitempty"`
	MaxBudgetUsd           float64         `json:"maxBudgetUsd,omitempty"`
	AllowedTools           []string        `json:"allowedTools,omitempty"`
	DisallowedTools        []string        `json:"disallowedTools,omitempty"`
	Betas                  []string        `json:"betas,omitempty"`
	Agents                 json.RawMessage `json:"agents,omitempty"`
	Agent                  string          `json:"agent,omitempty"`
	OutputFormat           json.RawMessage `json:"outputFormat,omitempty"`
	SystemPrompt           string          `json:"systemPrompt,omitempty"`
	MCPServers             json.RawMessage `json:"mcpServers,omitempty"`
	IncludePartialMessages bool            `json:"includePartialMessages,omitempty"`
	Extra                  map[string]json.RawMessage `json:"-"`
}

// MarshalJSON encodes the named fields, then merges Extra's keys in so
// options this struct has no field for still reach the bridge unchanged.
// A key in Extra that collides with a named field is dropped in favor of
// the named field.
func (o QueryOptions) MarshalJSON() ([]byte, error) {
	type alias QueryOptions
	named, err := json.Marshal(alias(o))
	if err != nil {
		return nil, err
	}
	if len(o.Extra) == 0 {
		return named, nil
	}

	merged := make(map[string]json.RawMessage, len(o.Extra)+8)
	for k, v := range o.Extra {
		merged[k] = v
	}
	if err := json.Unmarshal(named, &merged); err != nil {
		return nil, fmt.Errorf("bridge: merge query options: %w", err)
	}
	return json.Marshal(merged)
}

// envelope is the wire shape every frame shares: a kind tag plus a type
// discriminator, decoded in two passes (peek kind/type, then unmarshal the
// full payload into the concrete frame type the pair identifies).
type envelope struct {
	Kind string `json:"kind"`
	Type string `json:"type"`
}

// QueryCommand is the `query` command frame.
type QueryCommand struct {
	Kind    string       `json:"kind"`
	Type    string       `json:"type"`
	QueryID string       `json:"queryId"`
	Prompt  string       `json:"prompt"`
	Options QueryOptions `json:"options"`
}

// NewQueryCommand builds a query frame with the kind/type tags set.
func NewQueryCommand(queryID, prompt string, opts QueryOptions) *QueryCommand {
	return &QueryCommand{Kind: KindCommand, Type: CommandQuery, QueryID: queryID, Prompt: prompt, Options: opts}
}

// AbortCommand is the `abort` command frame.
type AbortCommand struct {
	Kind    string `json:"kind"`
	Type    string `json:"type"`
	QueryID string `json:"queryId"`
}

// NewAbortCommand builds an abort frame with the kind/type tags set.
func NewAbortCommand(queryID string) *AbortCommand {
	return &AbortCommand{Kind: KindCommand, Type: CommandAbort, QueryID: queryID}
}

// ReadyEvent is sent once by the bridge after it starts listening.
type ReadyEvent struct {
	Kind string `json:"kind"`
	Type string `json:"type"`
}

// StreamEvent passes through one message from the inner query engine.
// Payload is kept opaque (json.RawMessage); the server only reaches into
// it for accounting fields via separate best-effort parsing.
type StreamEvent struct {
	Kind    string          `json:"kind"`
	Type    string          `json:"type"`
	QueryID string          `json:"queryId"`
	Payload json.RawMessage `json:"payload"`
}

// DoneEvent marks the end of one query.
type DoneEvent struct {
	Kind    string `json:"kind"`
	Type    string `json:"type"`
	QueryID string `json:"queryId"`
}

// ErrorEvent carries a query-scoped or protocol-scoped failure. ErrKind is
// tagged "errKind", not "kind", because the envelope's own discriminator
// already owns that key on this flat frame.
type ErrorEvent struct {
	Kind    string `json:"kind"`
	Type    string `json:"type"`
	QueryID string `json:"queryId,omitempty"`
	ErrKind string `json:"errKind,omitempty"`
	Message string `json:"message"`
}

// usagePayload is the subset of a stream event's payload the server reads
// for token/cost accounting; everything else in Payload stays opaque.
type usagePayload struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUsd      float64 `json:"costUsd"`
}

// ExtractUsage best-effort parses accounting fields out of a stream
// event's opaque payload. A payload that doesn't carry them yields zeros,
// never an error — this is accounting, not protocol.
func ExtractUsage(payload json.RawMessage) (inputTokens, outputTokens int64, costUsd float64) {
	var u usagePayload
	if err := json.Unmarshal(payload, &u); err != nil {
		return 0, 0, 0
	}
	return u.InputTokens, u.OutputTokens, u.CostUsd
}
