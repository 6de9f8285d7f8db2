package action

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/devicelab-dev/appquery/pkg/core"
)

// Dispatcher validates actions and hands them to a platform executor.
type Dispatcher struct {
	exec core.Executor
	log  *zap.Logger
}

// NewDispatcher creates a Dispatcher. A nil logger disables logging.
func NewDispatcher(exec core.Executor, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{exec: exec, log: log}
}

// Perform parses name and args and runs the action on elementID. Invalid
// requests fail before any executor call.
func (d *Dispatcher) Perform(ctx context.Context, platform core.Platform, elementID, name string, args ...string) *Result {
	start := time.Now()
	a, err := Parse(name, args)
	if err != nil {
		var ee *core.ExecutionError
		errors.As(err, &ee)
		return d.done(platform, elementID, failure(name, ee, start))
	}
	return d.Do(ctx, platform, elementID, a)
}

// Do runs an already parsed action.
func (d *Dispatcher) Do(ctx context.Context, platform core.Platform, elementID string, a Action) *Result {
	start := time.Now()
	name := a.Name()
	if elementID == "" {
		return d.done(platform, elementID, failure(name, core.ErrInvalidArguments.WithMessagef("%s: element id is empty", name), start))
	}
	if err := ctx.Err(); err != nil {
		return d.done(platform, elementID, failure(name, core.ErrCancelled.WithCause(err), start))
	}

	resp, err := d.execute(ctx, core.ExecRequest{
		Platform:  platform,
		ElementID: elementID,
		Action:    name,
		Args:      a.Args(),
	})
	if err != nil {
		return d.done(platform, elementID, failure(name, classify(ctx, err), start))
	}
	if !resp.Success {
		msg := resp.Message
		if msg == "" {
			msg = name + " failed"
		}
		return d.done(platform, elementID, failure(name, core.ErrRemoteActionFailed.WithMessage(msg), start))
	}
	return d.done(platform, elementID, success(name, resp, start))
}

// execute calls the executor, turning a panic into a failed action.
func (d *Dispatcher) execute(ctx context.Context, req core.ExecRequest) (resp core.ExecResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = core.ErrRemoteActionFailed.WithMessagef("%s: executor panic: %v", req.Action, r)
		}
	}()
	return d.exec.Execute(ctx, req)
}

// classify maps an executor error onto the taxonomy.
func classify(ctx context.Context, err error) *core.ExecutionError {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return core.ErrCancelled.WithCause(err)
	}
	var ee *core.ExecutionError
	if errors.As(err, &ee) && ee.Kind != core.KindNone {
		return ee
	}
	return core.TransportError(err)
}

func (d *Dispatcher) done(platform core.Platform, elementID string, res *Result) *Result {
	fields := []zap.Field{
		zap.String("action", res.Action),
		zap.String("platform", string(platform)),
		zap.String("element", elementID),
		zap.Duration("duration", res.Duration),
	}
	if res.Success {
		d.log.Debug("action performed", fields...)
	} else {
		d.log.Warn("action failed", append(fields, zap.String("kind", res.Kind.String()), zap.String("message", res.Message))...)
	}
	return res
}
