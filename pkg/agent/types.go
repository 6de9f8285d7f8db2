// Package agent speaks the remote agent protocol: JSON over HTTP for
// request/response calls and a websocket stream for descendant enumeration.
package agent

import (
	"net/http"

	"github.com/devicelab-dev/appquery/pkg/core"
)

// Response is the envelope of every HTTP response.
type Response struct {
	Value interface{} `json:"value"`
}

// ErrorValue is the Value of an error response. Error holds an
// core.ErrorKind code such as "not_found".
type ErrorValue struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusValue is returned by GET /status.
type StatusValue struct {
	Ready   bool   `json:"ready"`
	Message string `json:"message,omitempty"`
}

// ActionRequest is the body of POST .../elements/{id}/actions.
type ActionRequest struct {
	Action string   `json:"action"`
	Args   []string `json:"args,omitempty"`
}

// Frame types on the descendants stream.
const (
	FrameElement = "element"
	FrameEnd     = "end"
	FrameError   = "error"
)

// Frame is one websocket message of the descendants stream.
type Frame struct {
	Type    string        `json:"type"`
	Element *core.Element `json:"element,omitempty"`
	Error   string        `json:"error,omitempty"`
	Message string        `json:"message,omitempty"`
}

// Header carrying the per-request id.
const RequestIDHeader = "X-Request-Id"

// statusFor maps an error kind to the HTTP status the handler replies with.
func statusFor(kind core.ErrorKind) int {
	switch kind {
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindInvalidArguments, core.KindUnsupportedAction:
		return http.StatusBadRequest
	case core.KindCancelled, core.KindTimedOut:
		return http.StatusGatewayTimeout
	case core.KindRemoteActionFailed, core.KindAmbiguous:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// remoteError rebuilds a typed error from an error code and HTTP status.
// Unknown codes fall back on the status: 404 is not found, 400 invalid
// arguments, everything else transport.
func remoteError(code, message string, status int) *core.ExecutionError {
	kind := core.ParseErrorKind(code)
	if kind == core.KindNone {
		switch status {
		case http.StatusNotFound:
			kind = core.KindNotFound
		case http.StatusBadRequest:
			kind = core.KindInvalidArguments
		default:
			kind = core.KindTransportUnavailable
		}
	}
	if message == "" {
		message = "agent error"
		if code != "" {
			message += ": " + code
		}
	}
	return core.NewExecutionError(kind, message)
}
