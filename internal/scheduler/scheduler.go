// Package scheduler owns the lifecycle of the tool calls proposed in one model
// turn: validation, confirmation, execution and result hand-off.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/JJ-Ju/multi-cli/internal/observability"
	"github.com/JJ-Ju/multi-cli/internal/tools"
)

const defaultPoolSize = 4

// ToolSource resolves tool names.
type ToolSource interface {
	Get(name string) (tools.Tool, bool)
}

// Options configures a Scheduler. Callbacks are optional and are never called
// concurrently with each other for the same batch.
type Options struct {
	Tools    ToolSource
	Policy   *Policy
	Pool     *ants.Pool // executions run here; created from PoolSize when nil
	PoolSize int
	Logger   *zap.Logger
	Metrics  *observability.Metrics

	OnUpdate   func(snapshot []ToolCall)
	OnOutput   func(callID, chunk string)
	OnComplete func(completed []Completed) // must not call Schedule synchronously
}

// Scheduler runs one batch of tool calls at a time.
type Scheduler struct {
	tools    ToolSource
	policy   *Policy
	pool     *ants.Pool
	ownsPool bool
	logger   *zap.Logger
	metrics  *observability.Metrics

	onUpdate   func([]ToolCall)
	onOutput   func(string, string)
	onComplete func([]Completed)

	slot chan struct{}

	mu     sync.Mutex
	active *Batch
}

// New builds a scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Tools == nil {
		return nil, errors.New("scheduler: tool source is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := opts.Policy
	if policy == nil {
		policy, _ = NewPolicy("", nil)
	}
	s := &Scheduler{
		tools:      opts.Tools,
		policy:     policy,
		pool:       opts.Pool,
		logger:     logger,
		metrics:    opts.Metrics,
		onUpdate:   opts.OnUpdate,
		onOutput:   opts.OnOutput,
		onComplete: opts.OnComplete,
		slot:       make(chan struct{}, 1),
	}
	if s.pool == nil {
		size := opts.PoolSize
		if size <= 0 {
			size = defaultPoolSize
		}
		pool, err := ants.NewPool(size, ants.WithPreAlloc(true))
		if err != nil {
			return nil, fmt.Errorf("create execution pool: %w", err)
		}
		s.pool = pool
		s.ownsPool = true
	}
	return s, nil
}

// Policy returns the approval policy shared by all batches.
func (s *Scheduler) Policy() *Policy { return s.policy }

// Close releases the execution pool if the scheduler created it.
func (s *Scheduler) Close() {
	if s.ownsPool {
		s.pool.Release()
	}
}

// Schedule starts a batch. It waits while another batch is active; ctx bounds
// that wait and is the parent of the batch's cancellation.
func (s *Scheduler) Schedule(ctx context.Context, reqs []Request) (*Batch, error) {
	if len(reqs) == 0 {
		return nil, errors.New("scheduler: no tool calls to schedule")
	}
	seen := make(map[string]struct{}, len(reqs))
	for _, r := range reqs {
		if r.CallID == "" {
			return nil, fmt.Errorf("scheduler: tool call %q has no call id", r.Name)
		}
		if _, dup := seen[r.CallID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCall, r.CallID)
		}
		seen[r.CallID] = struct{}{}
	}

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	b := newBatch(ctx, s, reqs)
	s.mu.Lock()
	s.active = b
	s.mu.Unlock()

	go b.dispatch()
	b.publish()
	for _, r := range reqs {
		go b.run(r)
	}
	return b, nil
}

// Active returns the batch currently running, if any.
func (s *Scheduler) Active() *Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Resolve answers the confirmation of a call in the active batch.
func (s *Scheduler) Resolve(callID string, outcome Outcome, args json.RawMessage) error {
	b := s.Active()
	if b == nil {
		return ErrNoActiveBatch
	}
	return b.Resolve(callID, outcome, args)
}

// CancelAll cancels the active batch, if any.
func (s *Scheduler) CancelAll() {
	if b := s.Active(); b != nil {
		b.Cancel()
	}
}

func (s *Scheduler) release(b *Batch) {
	s.mu.Lock()
	if s.active == b {
		s.active = nil
	}
	s.mu.Unlock()
	<-s.slot
}

type resolution struct {
	outcome Outcome
	args    json.RawMessage
}

// Batch is the set of calls from one model turn.
type Batch struct {
	s      *Scheduler
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	order     []string
	calls     map[string]ToolCall
	waiters   map[string]chan resolution
	resolved  map[string]bool
	submitted map[string]bool
	remaining int

	// Callback deliveries are queued under mu and drained by one dispatcher
	// goroutine, so they are serialized and in transition order.
	events []event
	wake   chan struct{}

	done chan struct{}
}

type eventKind int

const (
	eventSnapshot eventKind = iota
	eventOutput
	eventComplete
)

type event struct {
	kind      eventKind
	snapshot  []ToolCall
	callID    string
	chunk     string
	completed []Completed
}

func newBatch(parent context.Context, s *Scheduler, reqs []Request) *Batch {
	ctx, cancel := context.WithCancel(parent)
	b := &Batch{
		s:         s,
		ctx:       ctx,
		cancel:    cancel,
		order:     make([]string, 0, len(reqs)),
		calls:     make(map[string]ToolCall, len(reqs)),
		waiters:   make(map[string]chan resolution),
		resolved:  make(map[string]bool),
		submitted: make(map[string]bool),
		remaining: len(reqs),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	for _, r := range reqs {
		b.order = append(b.order, r.CallID)
		b.calls[r.CallID] = ValidatingCall{base{Req: r}}
	}
	return b
}

// Done is closed once every call is terminal, OnComplete has returned and the
// scheduler accepts the next batch.
func (b *Batch) Done() <-chan struct{} { return b.done }

// Cancel fires the batch cancellation: waiting confirmations are rejected,
// executions see a cancelled context and every unfinished call ends cancelled.
func (b *Batch) Cancel() { b.cancel() }

// Snapshot returns a copy of all calls in request order.
func (b *Batch) Snapshot() []ToolCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Batch) snapshotLocked() []ToolCall {
	out := make([]ToolCall, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.calls[id])
	}
	return out
}

// Responses lists finished calls in request order. After Done it covers every call.
func (b *Batch) Responses() []Completed {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.responsesLocked()
}

func (b *Batch) responsesLocked() []Completed {
	out := make([]Completed, 0, len(b.order))
	for _, id := range b.order {
		c := b.calls[id]
		if resp, ok := ResponseOf(c); ok {
			out = append(out, Completed{Request: c.Request(), Status: c.Status(), Response: resp})
		}
	}
	return out
}

// MarkSubmitted records that results were sent back to the model. Each call
// can be submitted once; nothing is marked if any id is rejected.
func (b *Batch) MarkSubmitted(ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range ids {
		c, ok := b.calls[id]
		switch {
		case !ok:
			return fmt.Errorf("%w: %s", ErrUnknownCall, id)
		case !c.Status().Terminal():
			return fmt.Errorf("%w: %s", ErrNotTerminal, id)
		case b.submitted[id]:
			return fmt.Errorf("%w: %s", ErrAlreadySubmitted, id)
		}
	}
	for _, id := range ids {
		b.submitted[id] = true
	}
	return nil
}

// Resolve answers a pending confirmation. The waiting call continues on its
// own goroutine, so Resolve may be called from an OnUpdate callback.
func (b *Batch) Resolve(callID string, outcome Outcome, args json.RawMessage) error {
	if _, err := ParseOutcome(string(outcome)); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[callID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCall, callID)
	}
	if b.resolved[callID] {
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, callID)
	}
	ch, waiting := b.waiters[callID]
	if !waiting || c.Status() != StatusAwaitingApproval {
		return fmt.Errorf("%w: %s is %s", ErrNotAwaiting, callID, c.Status())
	}
	if outcome == OutcomeModify && len(args) == 0 {
		return fmt.Errorf("scheduler: modify outcome for %s needs new arguments", callID)
	}
	b.resolved[callID] = true
	delete(b.waiters, callID)
	ch <- resolution{outcome: outcome, args: args}
	return nil
}

// run drives one call through its lifecycle.
func (b *Batch) run(req Request) {
	start := time.Now()
	logger := b.s.logger.With(zap.String("call_id", req.CallID), zap.String("tool", req.Name))

	tool, ok := b.s.tools.Get(req.Name)
	if !ok {
		b.fail(req, start, KindToolNotFound, fmt.Sprintf("tool %q not found in registry", req.Name))
		return
	}
	inv, err := tool.Build(req.Args)
	if err != nil {
		b.fail(req, start, classify(err), err.Error())
		return
	}
	if b.cancelledBefore(req, start, "before it was scheduled") {
		return
	}
	if !b.move(ScheduledCall{base: base{Req: req}, Tool: tool, Invocation: inv}) {
		return
	}

	details, err := inv.Confirmation(b.ctx)
	if err != nil {
		if b.cancelledBefore(req, start, "while preparing confirmation") {
			return
		}
		b.fail(req, start, classify(err), err.Error())
		return
	}

	if details != nil && !b.s.policy.AutoApproves(*details) {
		res, ok := b.await(req, tool, inv, *details)
		if !ok {
			b.finishCancelled(req, start, "Tool call was cancelled while awaiting approval.")
			return
		}
		switch res.outcome {
		case OutcomeCancel:
			b.finishCancelled(req, start, "User cancelled the tool call.")
			return
		case OutcomeProceedAlways:
			b.s.policy.Allow(details.Class)
		case OutcomeModify:
			modified := req
			modified.Args = res.args
			rebuilt, err := tool.Build(res.args)
			if err != nil {
				b.fail(req, start, classify(err), err.Error())
				return
			}
			req, inv = modified, rebuilt
			logger.Debug("tool call arguments modified by user")
		}
	} else if details != nil {
		logger.Debug("confirmation skipped by policy", zap.String("class", details.Class))
	}

	b.execute(req, tool, inv, start)
}

func (b *Batch) await(req Request, tool tools.Tool, inv tools.Invocation, details tools.ConfirmationDetails) (resolution, bool) {
	ch := make(chan resolution, 1)
	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		return resolution{}, false
	}
	b.waiters[req.CallID] = ch
	b.mu.Unlock()

	if !b.move(WaitingCall{base: base{Req: req}, Tool: tool, Invocation: inv, Details: details}) {
		return resolution{}, false
	}
	select {
	case res := <-ch:
		return res, true
	case <-b.ctx.Done():
		b.mu.Lock()
		delete(b.waiters, req.CallID)
		b.mu.Unlock()
		// A resolution that raced with cancellation is ignored.
		return resolution{}, false
	}
}

type execResult struct {
	result tools.Result
	err    error
}

func (b *Batch) execute(req Request, tool tools.Tool, inv tools.Invocation, start time.Time) {
	if b.cancelledBefore(req, start, "before execution") {
		return
	}
	execStart := time.Now()
	if !b.move(ExecutingCall{base: base{Req: req}, Tool: tool, Invocation: inv, StartedAt: execStart}) {
		return
	}

	// Exactly one value is sent on out per call.
	out := make(chan execResult, 1)
	emit := func(chunk string) { b.output(req.CallID, chunk) }
	task := func() {
		defer func() {
			if r := recover(); r != nil {
				b.s.logger.Error("tool panicked", zap.String("call_id", req.CallID), zap.String("tool", req.Name), zap.Any("panic", r))
				out <- execResult{err: fmt.Errorf("tool %s panicked: %v", req.Name, r)}
			}
		}()
		if err := b.ctx.Err(); err != nil {
			out <- execResult{err: err}
			return
		}
		res, err := inv.Execute(b.ctx, emit)
		out <- execResult{result: res, err: err}
	}
	// Submit blocks while the pool is saturated, so it must not hold up the
	// select below: a cancelled batch still ends calls queued for a worker.
	go func() {
		if err := b.s.pool.Submit(task); err != nil {
			out <- execResult{err: fmt.Errorf("schedule execution: %w", err)}
		}
	}()

	select {
	case r := <-out:
		switch {
		case b.ctx.Err() != nil:
			b.finishCancelled(req, start, "Tool call was cancelled during execution.")
		case r.err != nil:
			b.fail(req, start, classify(r.err), r.err.Error())
		default:
			b.finish(SuccessfulCall{
				base:     base{Req: req},
				Response: Response{CallID: req.CallID, LLMContent: r.result.LLMContent, Display: r.result.Display},
				Duration: time.Since(start),
			})
		}
	case <-b.ctx.Done():
		// The tool may still be running; its result is dropped.
		b.finishCancelled(req, start, "Tool call was cancelled during execution.")
	}
}

func (b *Batch) cancelledBefore(req Request, start time.Time, when string) bool {
	if b.ctx.Err() == nil {
		return false
	}
	b.finishCancelled(req, start, "Tool call was cancelled "+when+".")
	return true
}

func (b *Batch) fail(req Request, start time.Time, kind ErrorKind, msg string) {
	b.finish(ErroredCall{base: base{Req: req}, Response: errorResponse(req.CallID, kind, msg), Duration: time.Since(start)})
}

func (b *Batch) finishCancelled(req Request, start time.Time, msg string) {
	b.finish(CancelledCall{base: base{Req: req}, Response: cancelledResponse(req.CallID, msg), Duration: time.Since(start)})
}

func (b *Batch) finish(next ToolCall) {
	if !b.move(next) {
		return
	}
	var d time.Duration
	switch v := next.(type) {
	case SuccessfulCall:
		d = v.Duration
	case ErroredCall:
		d = v.Duration
	case CancelledCall:
		d = v.Duration
	}
	b.s.metrics.RecordToolCall(next.Request().Name, string(next.Status()), d)
}

// move applies a transition and queues the new snapshot. It reports false
// when the transition was rejected, which happens when the call already ended.
func (b *Batch) move(next ToolCall) bool {
	id := next.Request().CallID
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.calls[id]
	applied, err := transition(cur, next)
	if err != nil {
		b.s.logger.Debug("tool call transition rejected", zap.String("call_id", id), zap.Error(err))
		return false
	}
	b.calls[id] = applied
	b.s.logger.Debug("tool call state",
		zap.String("call_id", id), zap.String("from", string(cur.Status())), zap.String("to", string(applied.Status())))
	b.enqueueLocked(event{kind: eventSnapshot, snapshot: b.snapshotLocked()})
	if applied.Status().Terminal() {
		b.remaining--
		if b.remaining == 0 {
			b.enqueueLocked(event{kind: eventComplete, completed: b.responsesLocked()})
		}
	}
	return true
}

func (b *Batch) output(callID, chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[callID].(ExecutingCall)
	if !ok {
		return
	}
	c.LiveOutput = chunk
	b.calls[callID] = c
	b.enqueueLocked(event{kind: eventOutput, callID: callID, chunk: chunk})
}

// publish queues the current snapshot without a transition.
func (b *Batch) publish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enqueueLocked(event{kind: eventSnapshot, snapshot: b.snapshotLocked()})
}

func (b *Batch) enqueueLocked(ev event) {
	b.events = append(b.events, ev)
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// dispatch delivers queued events until the completion event.
func (b *Batch) dispatch() {
	for range b.wake {
		for {
			b.mu.Lock()
			if len(b.events) == 0 {
				b.mu.Unlock()
				break
			}
			ev := b.events[0]
			b.events = b.events[1:]
			b.mu.Unlock()

			switch ev.kind {
			case eventSnapshot:
				if b.s.onUpdate != nil {
					b.s.onUpdate(ev.snapshot)
				}
			case eventOutput:
				if b.s.onOutput != nil {
					b.s.onOutput(ev.callID, ev.chunk)
				}
			case eventComplete:
				if b.s.onComplete != nil {
					b.s.onComplete(ev.completed)
				}
				b.cancel()
				b.s.release(b)
				close(b.done)
				return
			}
		}
	}
}
