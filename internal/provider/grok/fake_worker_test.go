package grok

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/JJ-Ju/multi-cli/internal/worker"
)

type fakeRequest struct {
	RequestID string          `json:"requestId"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
}

// fakeWorker answers worker protocol requests over in-memory pipes. Each
// request is handled on its own goroutine, like the real worker's chat thread.
type fakeWorker struct {
	conn  *worker.Conn
	reqW  *io.PipeWriter
	respW *io.PipeWriter
	stop  chan struct{}

	wmu sync.Mutex

	mu       sync.Mutex
	handlers map[string]func(fakeRequest)
	seen     []fakeRequest
	results  map[string]chan toolResultPayload
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	fw := &fakeWorker{
		reqW:     reqW,
		respW:    respW,
		stop:     make(chan struct{}),
		handlers: make(map[string]func(fakeRequest)),
		results:  make(map[string]chan toolResultPayload),
	}
	fw.conn = worker.NewConn(respR, reqW, nil, nil)

	fw.handle(worker.ActionInitialize, func(req fakeRequest) {
		fw.result(req.RequestID, map[string]any{"status": "ok", "capabilities": map[string]bool{"supportsCollections": false}})
	})
	fw.handle(worker.ActionToolResult, func(req fakeRequest) {
		var p toolResultPayload
		_ = json.Unmarshal(req.Payload, &p)
		fw.resultsFor(p.CallID) <- p
		fw.result(req.RequestID, map[string]any{"callId": p.CallID, "acknowledged": true})
	})

	go func() { _ = fw.conn.Serve() }()
	go fw.loop(reqR)
	t.Cleanup(fw.close)
	return fw
}

func (fw *fakeWorker) handle(action string, h func(fakeRequest)) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.handlers[action] = h
}

func (fw *fakeWorker) loop(r io.Reader) {
	dec := json.NewDecoder(r)
	for {
		var req fakeRequest
		if err := dec.Decode(&req); err != nil {
			return
		}
		fw.mu.Lock()
		fw.seen = append(fw.seen, req)
		h := fw.handlers[req.Action]
		fw.mu.Unlock()
		if h == nil {
			fw.fail(req.RequestID, "Unknown action: "+req.Action)
			continue
		}
		go h(req)
	}
}

func (fw *fakeWorker) requests(action string) []fakeRequest {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	var out []fakeRequest
	for _, r := range fw.seen {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

func (fw *fakeWorker) resultsFor(callID string) chan toolResultPayload {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	ch, ok := fw.results[callID]
	if !ok {
		ch = make(chan toolResultPayload, 4)
		fw.results[callID] = ch
	}
	return ch
}

// awaitResult blocks like the real worker until the tool result arrives.
func (fw *fakeWorker) awaitResult(callID string) (toolResultPayload, bool) {
	select {
	case p := <-fw.resultsFor(callID):
		return p, true
	case <-fw.stop:
		return toolResultPayload{}, false
	}
}

func (fw *fakeWorker) send(msg map[string]any) {
	fw.wmu.Lock()
	defer fw.wmu.Unlock()
	_ = json.NewEncoder(fw.respW).Encode(msg)
}

func (fw *fakeWorker) result(id string, payload any) {
	fw.send(map[string]any{"type": "result", "requestId": id, "payload": payload})
}

func (fw *fakeWorker) event(id string, payload any) {
	fw.send(map[string]any{"type": "event", "requestId": id, "payload": payload})
}

func (fw *fakeWorker) fail(id, msg string) {
	fw.send(map[string]any{"type": "error", "requestId": id, "error": map[string]string{"message": msg}})
}

func (fw *fakeWorker) close() {
	close(fw.stop)
	_ = fw.respW.Close()
	_ = fw.reqW.Close()
	fw.conn.Close(nil)
}

// pipeBridge drives a Conn the way worker.Bridge does after spawning.
type pipeBridge struct {
	conn *worker.Conn
}

func (b *pipeBridge) Initialize(ctx context.Context, creds worker.Credentials, model string) (worker.Capabilities, error) {
	raw, err := b.conn.Call(ctx, worker.ActionInitialize, map[string]string{"api_key": creds.APIKey, "model": model})
	if err != nil {
		return worker.Capabilities{}, err
	}
	var caps worker.Capabilities
	err = json.Unmarshal(raw, &caps)
	return caps, err
}

func (b *pipeBridge) CallUnary(ctx context.Context, action string, payload any) (json.RawMessage, error) {
	return b.conn.Call(ctx, action, payload)
}

func (b *pipeBridge) CallStreaming(ctx context.Context, action string, payload any) (*worker.Stream, error) {
	return b.conn.Stream(ctx, action, payload)
}

const testSettle = 40 * time.Millisecond
