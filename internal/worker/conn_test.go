package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/JJ-Ju/multi-cli/internal/observability"
)

type sentRequest struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
}

// pipeWorker plays the worker side of a Conn over in-memory pipes.
type pipeWorker struct {
	t        *testing.T
	conn     *Conn
	metrics  *observability.Metrics
	reqW     *io.PipeWriter
	respW    *io.PipeWriter
	requests chan sentRequest
	wg       sync.WaitGroup
}

func newPipeWorker(t *testing.T) *pipeWorker {
	t.Helper()
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	pw := &pipeWorker{
		t:        t,
		metrics:  observability.NewMetrics(),
		reqW:     reqW,
		respW:    respW,
		requests: make(chan sentRequest, 16),
	}
	pw.conn = NewConn(respR, reqW, nil, pw.metrics)

	pw.wg.Add(2)
	go func() {
		defer pw.wg.Done()
		_ = pw.conn.Serve()
	}()
	go func() {
		defer pw.wg.Done()
		defer close(pw.requests)
		dec := json.NewDecoder(reqR)
		for {
			var req sentRequest
			if err := dec.Decode(&req); err != nil {
				return
			}
			pw.requests <- req
		}
	}()
	return pw
}

func (pw *pipeWorker) next() sentRequest {
	pw.t.Helper()
	select {
	case req, ok := <-pw.requests:
		require.True(pw.t, ok, "request channel closed")
		return req
	case <-time.After(2 * time.Second):
		pw.t.Fatal("timed out waiting for request")
		return sentRequest{}
	}
}

func (pw *pipeWorker) reply(format string, args ...any) {
	pw.t.Helper()
	_, err := fmt.Fprintf(pw.respW, format+"\n", args...)
	require.NoError(pw.t, err)
}

func (pw *pipeWorker) close() {
	_ = pw.respW.Close()
	_ = pw.reqW.Close()
	pw.wg.Wait()
	pw.conn.Close(nil)
}

func TestConnCallCorrelatesOutOfOrderReplies(t *testing.T) {
	defer goleak.VerifyNone(t)
	pw := newPipeWorker(t)
	defer pw.close()

	type outcome struct {
		action string
		result json.RawMessage
		err    error
	}
	results := make(chan outcome, 2)
	for _, action := range []string{"first", "second"} {
		go func(action string) {
			res, err := pw.conn.Call(context.Background(), action, map[string]string{"action": action})
			results <- outcome{action: action, result: res, err: err}
		}(action)
	}

	reqs := []sentRequest{pw.next(), pw.next()}
	require.NotEqual(t, reqs[0].RequestID, reqs[1].RequestID)
	// Reply in reverse order.
	for i := len(reqs) - 1; i >= 0; i-- {
		pw.reply(`{"type":"result","requestId":%q,"payload":{"echo":%q}}`, reqs[i].RequestID, reqs[i].Action)
	}

	for i := 0; i < 2; i++ {
		got := <-results
		require.NoError(t, got.err)
		require.JSONEq(t, fmt.Sprintf(`{"echo":%q}`, got.action), string(got.result))
	}
	require.Equal(t, 0, pw.conn.Pending())
	require.Equal(t, 1.0, testutil.ToFloat64(pw.metrics.WorkerRequests.WithLabelValues("first", "result")))
}

func TestConnStreamDeliversEventsInOrderThenResult(t *testing.T) {
	defer goleak.VerifyNone(t)
	pw := newPipeWorker(t)
	defer pw.close()

	stream, err := pw.conn.Stream(context.Background(), ActionChat, map[string]string{"message": "hi"})
	require.NoError(t, err)
	req := pw.next()
	require.Equal(t, stream.ID(), req.RequestID)

	for _, text := range []string{"Hel", "lo ", "world"} {
		pw.reply(`{"type":"event","requestId":%q,"payload":{"event":"delta","text":%q}}`, req.RequestID, text)
	}
	pw.reply(`{"type":"result","requestId":%q,"payload":{"usage":{"totalTokens":10}}}`, req.RequestID)

	var texts []string
	for ev := range stream.Events() {
		var delta struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.Unmarshal(ev, &delta))
		texts = append(texts, delta.Text)
	}
	require.Equal(t, []string{"Hel", "lo ", "world"}, texts)

	res, err := stream.Wait(context.Background())
	require.NoError(t, err)
	require.JSONEq(t, `{"usage":{"totalTokens":10}}`, string(res))
}

func TestConnRemoteErrorFailsOnlyThatCall(t *testing.T) {
	defer goleak.VerifyNone(t)
	pw := newPipeWorker(t)
	defer pw.close()

	errs := make(chan error, 1)
	go func() {
		_, err := pw.conn.Call(context.Background(), "nope", nil)
		errs <- err
	}()
	req := pw.next()
	pw.reply(`{"type":"error","requestId":%q,"error":{"message":"Unknown action: nope"}}`, req.RequestID)

	err := <-errs
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	require.Equal(t, "nope", remote.Action)
	require.Equal(t, "Unknown action: nope", remote.Message)
}

func TestConnCancelDetachesAndDiscardsLateReply(t *testing.T) {
	defer goleak.VerifyNone(t)
	pw := newPipeWorker(t)
	defer pw.close()

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := pw.conn.Call(ctx, "slow", nil)
		errs <- err
	}()
	req := pw.next()
	cancel()

	err := <-errs
	require.ErrorIs(t, err, ErrCancelled)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, pw.conn.Pending())

	pw.reply(`{"type":"result","requestId":%q,"payload":{"late":true}}`, req.RequestID)

	type outcome struct {
		res json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := pw.conn.Call(context.Background(), "echo", nil)
		done <- outcome{res, err}
	}()
	next := pw.next()
	pw.reply(`{"type":"result","requestId":%q,"payload":{"late":false}}`, next.RequestID)
	got := <-done
	require.NoError(t, got.err)
	require.JSONEq(t, `{"late":false}`, string(got.res))
}

func TestConnDropsMalformedLines(t *testing.T) {
	defer goleak.VerifyNone(t)
	pw := newPipeWorker(t)
	defer pw.close()

	done := make(chan error, 1)
	go func() {
		_, err := pw.conn.Call(context.Background(), "echo", nil)
		done <- err
	}()
	req := pw.next()
	pw.reply(`this is not json`)
	pw.reply(`{"type":"progress","requestId":%q}`, req.RequestID)
	pw.reply(`{"type":"error","requestId":null,"error":{"message":"Invalid JSON"}}`)
	pw.reply(`{"type":"result","requestId":%q,"payload":{}}`, req.RequestID)

	require.NoError(t, <-done)
	require.Equal(t, 3.0, testutil.ToFloat64(pw.metrics.ProtocolDropped))
}

func TestConnCloseFailsEveryPendingCall(t *testing.T) {
	defer goleak.VerifyNone(t)
	pw := newPipeWorker(t)
	defer pw.close()

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := pw.conn.Call(context.Background(), "slow", nil)
			errs <- err
		}()
	}
	for i := 0; i < 3; i++ {
		pw.next()
	}

	pw.conn.Close(&TerminatedError{Reason: "exit", ExitCode: 7})
	for i := 0; i < 3; i++ {
		err := <-errs
		require.ErrorIs(t, err, ErrProcessTerminated)
	}

	_, err := pw.conn.Call(context.Background(), "echo", nil)
	require.ErrorIs(t, err, ErrProcessTerminated)
}

func TestStreamCloseDetachesConsumer(t *testing.T) {
	defer goleak.VerifyNone(t)
	pw := newPipeWorker(t)
	defer pw.close()

	stream, err := pw.conn.Stream(context.Background(), ActionChat, nil)
	require.NoError(t, err)
	req := pw.next()
	pw.reply(`{"type":"event","requestId":%q,"payload":{"event":"delta","text":"a"}}`, req.RequestID)

	stream.Close()
	for range stream.Events() {
	}
	_, err = stream.Wait(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
	require.Equal(t, 0, pw.conn.Pending())
}
