package bridge

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// maxFrameBytes bounds a single frame so a misbehaving or compromised
// in-sandbox process cannot force the bridge to allocate unbounded memory
// from a forged length prefix.
const maxFrameBytes = 64 * 1024 * 1024

// Event is a decoded bridge -> server frame, handed to the caller through
// the Client's Events channel. Type decides which typed fields are set:
// Payload for EventEvent, ErrKind and Message for EventError, none for
// EventReady and EventDone.
type Event struct {
	Type    string // EventReady, EventEvent, EventDone, EventError
	QueryID string
	Payload json.RawMessage // set for EventEvent
	ErrKind string          // set for EventError
	Message string          // set for EventError
}

// Client speaks the Bridge protocol over one Unix domain socket connection.
// A bridge handles at most one in-flight queryId at a time; Query returns
// ErrQueryInFlight until the previous query is released with ClearInFlight.
type Client struct {
	conn net.Conn
	w    *bufio.Writer
	wmu  sync.Mutex

	events chan Event

	queryMu  sync.Mutex
	inFlight string

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to the bridge's Unix socket and waits for the initial
// `ready` event (or ctx's deadline, whichever comes first).
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("bridge dial: %w", err)
	}

	c := &Client{
		conn:   conn,
		w:      bufio.NewWriter(conn),
		events: make(chan Event, 64),
		closed: make(chan struct{}),
	}
	go c.readLoop()

	select {
	case ev, ok := <-c.events:
		if !ok || ev.Type != EventReady {
			c.Close()
			return nil, fmt.Errorf("bridge dial: expected ready event, got %+v", ev)
		}
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	return c, nil
}

// Events returns the channel of decoded bridge -> server frames. It is
// closed when the connection is closed or the peer goes away.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Query submits a query command. It returns ErrQueryInFlight if another
// queryId is already running on this bridge — callers must Abort first.
func (c *Client) Query(queryID, prompt string, opts QueryOptions) error {
	c.queryMu.Lock()
	if c.inFlight != "" {
		c.queryMu.Unlock()
		return ErrQueryInFlight
	}
	c.inFlight = queryID
	c.queryMu.Unlock()

	if err := c.writeFrame(NewQueryCommand(queryID, prompt, opts)); err != nil {
		c.queryMu.Lock()
		c.inFlight = ""
		c.queryMu.Unlock()
		return err
	}
	return nil
}

// Abort cancels the in-flight query cooperatively. The bridge is expected
// to still emit a terminal `done` or `error` event for queryID.
func (c *Client) Abort(queryID string) error {
	return c.writeFrame(NewAbortCommand(queryID))
}

// ClearInFlight marks the bridge free to accept a new query. Called by the
// caller upon observing a done/error event for the in-flight query.
func (c *Client) ClearInFlight(queryID string) {
	c.queryMu.Lock()
	if c.inFlight == queryID {
		c.inFlight = ""
	}
	c.queryMu.Unlock()
}

func (c *Client) writeFrame(v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > maxFrameBytes {
		return fmt.Errorf("bridge: frame too large (%d bytes)", len(body))
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := c.w.Write(body); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *Client) readLoop() {
	defer close(c.events)
	r := bufio.NewReader(c.conn)
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxFrameBytes {
			return
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil || env.Kind != KindEvent {
			continue
		}

		switch env.Type {
		case EventReady:
			c.events <- Event{Type: EventReady}
		case EventEvent:
			var se StreamEvent
			if json.Unmarshal(body, &se) == nil {
				c.events <- Event{Type: EventEvent, QueryID: se.QueryID, Payload: se.Payload}
			}
		case EventDone:
			var de DoneEvent
			if json.Unmarshal(body, &de) == nil {
				c.events <- Event{Type: EventDone, QueryID: de.QueryID}
			}
		case EventError:
			var ee ErrorEvent
			if json.Unmarshal(body, &ee) == nil {
				c.events <- Event{Type: EventError, QueryID: ee.QueryID, ErrKind: ee.ErrKind, Message: ee.Message}
			}
		}
	}
}

// Close tears down the underlying connection. Idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// WaitClosed blocks until the connection has been closed, or the deadline
// passes.
func (c *Client) WaitClosed(timeout time.Duration) bool {
	select {
	case <-c.closed:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ErrQueryInFlight is returned by Query when a prior query on this bridge
// has not yet reached done/error.
var ErrQueryInFlight = fmt.Errorf("bridge: a query is already in flight on this sandbox")
