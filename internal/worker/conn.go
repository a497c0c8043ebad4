package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JJ-Ju/multi-cli/internal/observability"
)

// Conn multiplexes concurrent calls over one NDJSON duplex channel.
type Conn struct {
	r       io.Reader
	w       io.Writer
	logger  *zap.Logger
	metrics *observability.Metrics

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pending
	err     error // set once the channel is dead
}

// NewConn wraps a reader/writer pair. Serve must run for responses to be routed.
func NewConn(r io.Reader, w io.Writer, logger *zap.Logger, metrics *observability.Metrics) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{r: r, w: w, logger: logger, metrics: metrics, pending: make(map[string]*pending)}
}

// Call sends a request and waits for its terminal result. Interim events are ignored.
func (c *Conn) Call(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	p, err := c.send(action, payload, false)
	if err != nil {
		return nil, err
	}
	select {
	case <-p.done:
	case <-ctx.Done():
		c.cancel(p.id, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
		<-p.done
	}
	return p.result, p.err
}

// Stream sends a request whose events are delivered on the returned Stream.
// Cancelling ctx detaches the call.
func (c *Conn) Stream(ctx context.Context, action string, payload any) (*Stream, error) {
	p, err := c.send(action, payload, true)
	if err != nil {
		return nil, err
	}
	s := &Stream{conn: c, p: p}
	go func() {
		select {
		case <-ctx.Done():
			c.cancel(p.id, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
			p.detach()
		case <-p.done:
		}
	}()
	return s, nil
}

// Cancel detaches the caller of id. It reports whether the call was still pending.
func (c *Conn) Cancel(id string) bool {
	return c.cancel(id, ErrCancelled)
}

// Pending reports the number of open correlations.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close fails every pending correlation with cause and refuses new calls.
func (c *Conn) Close(cause error) {
	if cause == nil {
		cause = &TerminatedError{Reason: "closed", ExitCode: -1}
	}
	c.mu.Lock()
	if c.err == nil {
		c.err = cause
	}
	open := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()
	c.metrics.SetWorkerPending(0)

	for _, p := range open {
		if p.settle(nil, cause) {
			c.metrics.RecordWorkerRequest(p.action, "terminated")
		}
	}
}

// Serve reads worker output until EOF, routing every line by request id.
func (c *Conn) Serve() error {
	reader := bufio.NewReader(c.r)
	for {
		line, err := reader.ReadBytes('\n')
		if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
			c.dispatch(trimmed)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read worker output: %w", err)
		}
	}
}

func (c *Conn) send(action string, payload any, streaming bool) (*pending, error) {
	id := uuid.NewString()
	line, err := encodeRequest(id, action, payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", action, err)
	}

	p := newPending(id, action, streaming)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[id] = p
	open := len(c.pending)
	c.mu.Unlock()
	c.metrics.SetWorkerPending(open)

	c.logger.Debug("worker request", zap.String("action", action), zap.String("request_id", id))
	if err := c.write(line); err != nil {
		c.cancel(id, &TerminatedError{Reason: "write", ExitCode: -1, Err: err})
		return nil, p.err
	}
	return p, nil
}

// write emits one framed line; concurrent writers never interleave.
func (c *Conn) write(line []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.w.Write(line)
	return err
}

func (c *Conn) cancel(id string, cause error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	open := len(c.pending)
	c.mu.Unlock()
	if !ok {
		return false
	}
	c.metrics.SetWorkerPending(open)
	if p.settle(nil, cause) {
		c.metrics.RecordWorkerRequest(p.action, "cancelled")
	}
	return true
}

func (c *Conn) dispatch(line []byte) {
	resp, err := decodeResponse(line)
	if err != nil {
		c.logger.Warn("dropping worker line", zap.Error(err))
		c.metrics.RecordProtocolDrop()
		return
	}

	if resp.Type == typeEvent {
		c.mu.Lock()
		p := c.pending[resp.RequestID]
		c.mu.Unlock()
		switch {
		case p == nil:
			c.logger.Debug("discarding event for unknown request", zap.String("request_id", resp.RequestID))
		case p.events == nil:
			c.logger.Debug("ignoring event for unary request", zap.String("action", p.action))
		default:
			p.events.push(resp.Payload)
		}
		return
	}

	if resp.RequestID == "" {
		// The worker could not attribute the failure to a request.
		c.logger.Warn("worker reported an unattributed error", zap.String("message", resp.remoteError("").Message))
		c.metrics.RecordProtocolDrop()
		return
	}

	c.mu.Lock()
	p, ok := c.pending[resp.RequestID]
	if ok {
		delete(c.pending, resp.RequestID)
	}
	open := len(c.pending)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("discarding late response", zap.String("request_id", resp.RequestID), zap.String("type", resp.Type))
		return
	}
	c.metrics.SetWorkerPending(open)

	if resp.Type == typeError {
		p.settle(nil, resp.remoteError(p.action))
		c.metrics.RecordWorkerRequest(p.action, "error")
		return
	}
	result := resp.Payload
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	p.settle(result, nil)
	c.metrics.RecordWorkerRequest(p.action, "result")
}
