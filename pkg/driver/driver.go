// Package driver is the caller-facing facade over the resolver and the
// action dispatcher: find elements with a policy, then act on them through
// element handles. Transport failures are retried here, after reconnecting.
package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/devicelab-dev/appquery/pkg/action"
	"github.com/devicelab-dev/appquery/pkg/core"
	"github.com/devicelab-dev/appquery/pkg/resolver"
	"github.com/devicelab-dev/appquery/pkg/selector"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultReconnectAttempts = 3
	DefaultReconnectInterval = 500 * time.Millisecond
)

// Options configures a Driver.
type Options struct {
	Platform     core.Platform
	Timeout      time.Duration // per resolution, zero means resolver.DefaultTimeout
	PollInterval time.Duration
	// ReconnectAttempts bounds retries after a transport failure. Negative
	// disables retries.
	ReconnectAttempts int
	ReconnectInterval time.Duration
	Logger            *zap.Logger
}

// Driver drives one application through a query port and an executor.
type Driver struct {
	port core.QueryPort
	exec core.Executor
	res  *resolver.Resolver
	disp *action.Dispatcher
	opts Options
	log  *zap.Logger
}

// New creates a Driver. port and exec are usually the same agent client.
func New(port core.QueryPort, exec core.Executor, opts Options) *Driver {
	if opts.Platform == "" {
		opts.Platform = core.PlatformMaui
	}
	if opts.ReconnectAttempts == 0 {
		opts.ReconnectAttempts = DefaultReconnectAttempts
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = DefaultReconnectInterval
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Driver{
		port: port,
		exec: exec,
		res: resolver.New(port, resolver.Options{
			DefaultTimeout: opts.Timeout,
			PollInterval:   opts.PollInterval,
			Logger:         log.Named("resolver"),
		}),
		disp: action.NewDispatcher(exec, log.Named("action")),
		opts: opts,
		log:  log,
	}
}

// Platform returns the platform the driver targets.
func (d *Driver) Platform() core.Platform {
	return d.opts.Platform
}

// WithPlatform returns a driver sharing d's port and executor that targets
// another platform.
func (d *Driver) WithPlatform(p core.Platform) *Driver {
	opts := d.opts
	opts.Platform = p
	return New(d.port, d.exec, opts)
}

// Resolve runs a resolution, retrying after transport failures. An empty
// request platform means the driver's platform.
func (d *Driver) Resolve(ctx context.Context, req resolver.Request) (*resolver.Result, error) {
	if req.Platform == "" {
		req.Platform = d.opts.Platform
	}
	var res *resolver.Result
	err := d.retry(ctx, "resolve "+req.Selector.String(), func() error {
		var err error
		res, err = d.res.Resolve(ctx, req)
		return err
	})
	return res, err
}

// First returns the first element in document order matching sel.
func (d *Driver) First(ctx context.Context, sel selector.Selector) (*Element, error) {
	return d.one(ctx, sel, resolver.FirstMatch, "")
}

// Single returns the only element matching sel. It fails with
// core.KindAmbiguous when more than one element keeps matching.
func (d *Driver) Single(ctx context.Context, sel selector.Selector) (*Element, error) {
	return d.one(ctx, sel, resolver.ExactlyOne, "")
}

// Any waits until at least one element matches and returns all of them.
func (d *Driver) Any(ctx context.Context, sel selector.Selector) ([]*Element, error) {
	return d.many(ctx, sel, resolver.AnyMatch, "")
}

// All returns every element matching sel in one snapshot, possibly none.
func (d *Driver) All(ctx context.Context, sel selector.Selector) ([]*Element, error) {
	return d.many(ctx, sel, resolver.AllMatches, "")
}

// None waits until no element matches sel.
func (d *Driver) None(ctx context.Context, sel selector.Selector) error {
	_, err := d.Resolve(ctx, resolver.Request{Selector: sel, Policy: resolver.NoneMatch, Timeout: d.opts.Timeout})
	return err
}

// Windows returns the application contexts without their subtrees.
func (d *Driver) Windows(ctx context.Context) ([]core.Element, error) {
	roots, err := d.Tree(ctx)
	if err != nil {
		return nil, err
	}
	windows := make([]core.Element, len(roots))
	for i, r := range roots {
		windows[i] = r.Shallow()
	}
	return windows, nil
}

// Tree returns the application contexts with their full subtrees.
func (d *Driver) Tree(ctx context.Context) ([]core.Element, error) {
	var roots []core.Element
	err := d.retry(ctx, "fetch roots", func() error {
		var err error
		roots, err = d.port.FetchRoots(ctx, d.opts.Platform)
		return err
	})
	return roots, err
}

// Perform runs a named action on an element id. Transport failures are
// retried only while the action never reached the agent; get-property,
// which changes nothing, is retried either way.
func (d *Driver) Perform(ctx context.Context, elementID, name string, args ...string) *action.Result {
	var res *action.Result
	_ = d.retryIf(ctx, name+" "+elementID, actionRetryable(name), func() error {
		res = d.disp.Perform(ctx, d.opts.Platform, elementID, name, args...)
		return res.Err()
	})
	return res
}

func (d *Driver) one(ctx context.Context, sel selector.Selector, p resolver.Policy, scope string) (*Element, error) {
	res, err := d.Resolve(ctx, resolver.Request{Selector: sel, Policy: p, ScopeID: scope, Timeout: d.opts.Timeout})
	if err != nil {
		return nil, err
	}
	el, ok := res.First()
	if !ok {
		return nil, core.ErrNotFound.WithMessagef("no element matches %s", sel)
	}
	return d.handle(el), nil
}

func (d *Driver) many(ctx context.Context, sel selector.Selector, p resolver.Policy, scope string) ([]*Element, error) {
	res, err := d.Resolve(ctx, resolver.Request{Selector: sel, Policy: p, ScopeID: scope, Timeout: d.opts.Timeout})
	if err != nil {
		return nil, err
	}
	out := make([]*Element, len(res.Matches))
	for i, m := range res.Matches {
		out[i] = d.handle(m)
	}
	return out, nil
}

func (d *Driver) handle(el core.Element) *Element {
	return &Element{Element: el, d: d}
}

// retry runs op until it succeeds, fails with something other than a
// transport error, or the reconnect budget is spent. Before each retry the
// port is asked to reconnect when it can.
func (d *Driver) retry(ctx context.Context, what string, op func() error) error {
	return d.retryIf(ctx, what, transient, op)
}

// retryIf is retry with a custom test for which errors are worth retrying.
func (d *Driver) retryIf(ctx context.Context, what string, retryable func(error) bool, op func() error) error {
	if d.opts.ReconnectAttempts < 0 {
		return op()
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.opts.ReconnectInterval
	eb.MaxInterval = 10 * d.opts.ReconnectInterval
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.opts.ReconnectAttempts)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		if attempt > 0 {
			if rc, ok := d.port.(core.Reconnector); ok {
				if err := rc.Reconnect(ctx); err != nil {
					d.log.Debug("reconnect failed", zap.String("op", what), zap.Error(err))
					return err
				}
			}
		}
		attempt++
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		d.log.Warn("transport unavailable, retrying",
			zap.String("op", what), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	})
}

func transient(err error) bool {
	return core.IsKind(err, core.KindTransportUnavailable)
}

// actionRetryable allows resending an action only when the agent never got
// it, except for reads.
func actionRetryable(name string) func(error) bool {
	if name == action.NameGetProperty {
		return transient
	}
	return func(err error) bool {
		return transient(err) && !core.Delivered(err)
	}
}

// Describe returns a one-line summary of a resolution result for logs and
// the CLI.
func Describe(res *resolver.Result) string {
	if res == nil {
		return "<no result>"
	}
	return fmt.Sprintf("%s %s: %d match(es) after %d poll(s) in %s",
		res.Policy, res.State, len(res.Matches), res.Polls, res.Elapsed.Round(time.Millisecond))
}
