// ABOUTME: RPC correlation over an agent's ndjson stream
// ABOUTME: Monotonic ids, per-call timeout, first-writer-wins settlement

package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/acp-relay/internal/protocol"
)

// DefaultCallTimeout bounds a call when the caller does not supply one.
const DefaultCallTimeout = 300 * time.Second

// ErrCallTimeout is returned when no response arrives within the deadline.
var ErrCallTimeout = errors.New("acp call timed out")

type callOutcome struct {
	result json.RawMessage
	err    error
}

// rpcConn owns the pending-call map for one agent stream. Ids restart at 1
// whenever the stream (and with it the conn) is recreated.
type rpcConn struct {
	logger *slog.Logger

	writeMu sync.Mutex
	w       io.Writer

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]chan callOutcome
	closed   bool
	closeErr error
}

func newRPCConn(w io.Writer, logger *slog.Logger) *rpcConn {
	return &rpcConn{
		logger:  logger,
		w:       w,
		pending: make(map[int64]chan callOutcome),
	}
}

// Call writes a request and blocks for the matching response, the timeout,
// or context cancellation, whichever settles first. A response arriving
// after the pending entry was removed is dropped by handleResponse.
func (c *rpcConn) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s params: %w", method, err)
		}
		raw = data
	}

	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan callOutcome, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := protocol.RPCRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: raw}
	if err := c.write(req); err != nil {
		c.remove(id)
		// A write that failed because the stream was torn down reports the
		// close reason, not the broken-pipe noise underneath it.
		select {
		case out := <-ch:
			return nil, out.err
		default:
		}
		return nil, fmt.Errorf("writing %s request: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		return out.result, nil
	case <-timer.C:
		c.remove(id)
		return nil, fmt.Errorf("%s after %s: %w", method, timeout, ErrCallTimeout)
	case <-ctx.Done():
		c.remove(id)
		return nil, ctx.Err()
	}
}

// Notify writes a notification; no response is expected.
func (c *rpcConn) Notify(method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling %s params: %w", method, err)
		}
		raw = data
	}
	return c.write(protocol.RPCRequest{JSONRPC: "2.0", Method: method, Params: raw})
}

// Respond writes a response to an inbound agent request.
func (c *rpcConn) Respond(id int64, result any, rpcErr *protocol.RPCError) error {
	resp := protocol.RPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshaling response: %w", err)
		}
		resp.Result = data
	}
	return c.write(resp)
}

func (c *rpcConn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing to agent stream: %w", err)
	}
	return nil
}

// handleResponse settles the matching pending call. Unknown ids are logged
// and dropped: either the call already timed out or the agent misbehaved.
func (c *rpcConn) handleResponse(resp protocol.RPCResponse) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn("response for unknown request id", "id", resp.ID)
		return
	}

	if resp.Error != nil {
		ch <- callOutcome{err: resp.Error}
		return
	}
	ch <- callOutcome{result: resp.Result}
}

func (c *rpcConn) remove(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// closeAll rejects every pending call with err, exactly once, and makes
// future calls fail fast with the same error.
func (c *rpcConn) closeAll(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = make(map[int64]chan callOutcome)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- callOutcome{err: err}
	}
}
