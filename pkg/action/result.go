package action

import (
	"fmt"
	"time"

	"github.com/devicelab-dev/appquery/pkg/core"
)

// Result is the outcome of one Perform call. Failures never carry raw
// transport errors; Kind says what went wrong.
type Result struct {
	Action   string
	Success  bool
	Kind     core.ErrorKind // KindNone on success
	Message  string
	Payload  interface{}
	Duration time.Duration

	err *core.ExecutionError
}

// Err returns the failure as an error, or nil on success.
func (r *Result) Err() error {
	if r == nil || r.err == nil {
		return nil
	}
	return r.err
}

// String returns a one-line summary for logs and the CLI.
func (r *Result) String() string {
	if r.Success {
		if r.Payload != nil {
			return fmt.Sprintf("%s ok (%v) in %s", r.Action, r.Payload, r.Duration)
		}
		return fmt.Sprintf("%s ok in %s", r.Action, r.Duration)
	}
	return fmt.Sprintf("%s failed [%s]: %s", r.Action, r.Kind, r.Message)
}

func success(name string, resp core.ExecResponse, start time.Time) *Result {
	return &Result{
		Action:   name,
		Success:  true,
		Message:  resp.Message,
		Payload:  resp.Payload,
		Duration: time.Since(start),
	}
}

func failure(name string, err *core.ExecutionError, start time.Time) *Result {
	return &Result{
		Action:   name,
		Kind:     err.Kind,
		Message:  err.Error(),
		Duration: time.Since(start),
		err:      err,
	}
}
