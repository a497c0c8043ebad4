package agent

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/bufbuild/connect-go"
	"go.uber.org/zap"

	"github.com/JJ-Ju/multi-cli/internal/observability"
	"github.com/JJ-Ju/multi-cli/internal/provider"
	"github.com/JJ-Ju/multi-cli/internal/rpc"
	"github.com/JJ-Ju/multi-cli/internal/rpc/connectjson"
	"github.com/JJ-Ju/multi-cli/internal/scheduler"
)

const ConnectRunTaskProcedure = "/multicli.agent.v1.AgentService/RunTask"

// NewConnectHandler builds a Connect bidi stream handler for RunTask.
func NewConnectHandler(runner Runner, metrics *observability.Metrics, logger *zap.Logger) (string, http.Handler) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &connectRunHandler{runner: runner, metrics: metrics, logger: logger}
	return ConnectRunTaskProcedure, connect.NewBidiStreamHandler(ConnectRunTaskProcedure, h.handle, connect.WithCodec(connectjson.Codec{}))
}

type connectRunHandler struct {
	runner  Runner
	metrics *observability.Metrics
	logger  *zap.Logger
}

func (h *connectRunHandler) handle(ctx context.Context, stream *connect.BidiStream[rpc.RunTaskStreamRequest, rpc.RunTaskEvent]) error {
	h.metrics.IncActiveSessions("connect")
	defer h.metrics.DecActiveSessions("connect")

	first, err := stream.Receive()
	if err != nil {
		h.metrics.RecordTransportError("connect", "receive_first")
		return err
	}
	if first == nil || first.Run == nil {
		h.metrics.RecordTransportError("connect", "missing_run")
		return connect.NewError(connect.CodeInvalidArgument, errors.New("first message must include run payload"))
	}

	req := *first.Run
	if req.SessionID == "" {
		req.SessionID = first.SessionID
	}
	if req.CorrelationID == "" {
		req.CorrelationID = first.CorrelationID
	}

	task, err := h.runner.Start(ctx, req, true)
	if err != nil {
		h.metrics.RecordTransportError("connect", "runner_error")
		code := connect.CodeInternal
		if errors.Is(err, provider.ErrUnknownProvider) || req.Prompt == "" {
			code = connect.CodeInvalidArgument
		}
		return connect.NewError(code, err)
	}

	// Confirmations and cancellation arrive on the request side.
	go func() {
		for {
			msg, recvErr := stream.Receive()
			if recvErr != nil {
				// A half-closed request side is normal; the task keeps running.
				if !errors.Is(recvErr, context.Canceled) && ctx.Err() == nil && !errors.Is(recvErr, io.EOF) {
					h.metrics.RecordTransportError("connect", "receive_stream")
					task.Cancel()
				}
				return
			}
			switch {
			case msg.Cancel:
				task.Cancel()
				return
			case msg.Confirm != nil:
				h.resolve(task, msg.Confirm)
			}
		}
	}()

	var sendErr error
	for ev := range task.Events() {
		if sendErr != nil {
			continue
		}
		if err := stream.Send(&ev); err != nil {
			h.metrics.RecordTransportError("connect", "send")
			sendErr = err
			task.Cancel()
		}
	}
	return sendErr
}

func (h *connectRunHandler) resolve(task *Task, c *rpc.ConfirmRequest) {
	outcome, err := scheduler.ParseOutcome(c.Outcome)
	if err == nil {
		err = task.Resolve(c.CallID, outcome, c.Args)
	}
	if err != nil {
		h.metrics.RecordTransportError("connect", "confirm_rejected")
		h.logger.Warn("confirmation rejected", zap.String("call_id", c.CallID), zap.Error(err))
	}
}
