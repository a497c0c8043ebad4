package worker

import (
	"encoding/json"
	"fmt"
)

// Actions understood by the worker.
const (
	ActionInitialize               = "initialize"
	ActionRegisterTools            = "registerTools"
	ActionValidate                 = "validate"
	ActionChat                     = "chat"
	ActionToolResult               = "toolResult"
	ActionShutdown                 = "shutdown"
	ActionUpload                   = "upload"
	ActionWebSearch                = "tooling.webSearch"
	ActionWebFetch                 = "tooling.webFetch"
	ActionEnsureCorrectEdit        = "tooling.ensureCorrectEdit"
	ActionEnsureCorrectFileContent = "tooling.ensureCorrectFileContent"
	ActionFixEditWithInstruction   = "tooling.fixEditWithInstruction"
	ActionSummarizeText            = "tooling.summarizeText"
)

const (
	typeRequest = "request"
	typeResult  = "result"
	typeEvent   = "event"
	typeError   = "error"
)

// request is the envelope written to the worker's stdin.
type request struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	Action    string `json:"action"`
	Payload   any    `json:"payload"`
}

// response is any line read from the worker's stdout.
type response struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *errorBody      `json:"error,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

var emptyPayload = json.RawMessage(`{}`)

// encodeRequest frames a request as a single newline-terminated line.
func encodeRequest(id, action string, payload any) ([]byte, error) {
	if payload == nil {
		payload = emptyPayload
	}
	data, err := json.Marshal(request{Type: typeRequest, RequestID: id, Action: action, Payload: payload})
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// decodeResponse parses one worker line and checks it against the envelope contract.
func decodeResponse(line []byte) (response, error) {
	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return response{}, &ProtocolError{Reason: fmt.Sprintf("invalid json: %v", err), Line: string(line)}
	}
	switch resp.Type {
	case typeResult, typeEvent, typeError:
	default:
		return response{}, &ProtocolError{Reason: fmt.Sprintf("unexpected message type %q", resp.Type), Line: string(line)}
	}
	if resp.RequestID == "" && resp.Type != typeError {
		return response{}, &ProtocolError{Reason: "missing requestId", Line: string(line)}
	}
	return resp, nil
}

// remoteError converts an error envelope; a missing body still fails the call.
func (r response) remoteError(action string) *RemoteError {
	if r.Error == nil {
		return &RemoteError{Action: action, Message: "worker returned an error without details"}
	}
	return &RemoteError{Action: action, Message: r.Error.Message, Code: r.Error.Code}
}
