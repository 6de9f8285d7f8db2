// Package resolver turns a selector into concrete element ids by polling the
// remote query port until a match policy is satisfied or the deadline passes.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devicelab-dev/appquery/pkg/core"
	"github.com/devicelab-dev/appquery/pkg/selector"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultTimeout      = 5 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Policy decides when a polling cycle is good enough to stop.
type Policy int

const (
	ExactlyOne Policy = iota // exactly one match
	FirstMatch               // first match in document order
	AllMatches               // every match of one completed snapshot, possibly none
	NoneMatch                // wait until nothing matches
	AnyMatch                 // every match of the first snapshot with at least one
)

var policyNames = map[Policy]string{
	ExactlyOne: "exactly-one",
	FirstMatch: "first-match",
	AllMatches: "all-matches",
	NoneMatch:  "none-match",
	AnyMatch:   "any-match",
}

// String returns the policy name used in config and on the command line.
func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return "unknown"
}

// ParsePolicy parses a policy name such as "exactly-one".
func ParsePolicy(s string) (Policy, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range policyNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown policy %q", s)
}

// Request describes one resolution. It is consumed by Resolve.
type Request struct {
	Selector selector.Selector
	Platform core.Platform
	ScopeID  string        // only descendants of this element, empty for all contexts
	Policy   Policy
	Timeout  time.Duration // zero uses Options.DefaultTimeout
}

// Result reports how a resolution ended. It is returned on failure too.
type Result struct {
	State          State
	Policy         Policy
	Matches        []core.Element // document order
	LastMatchCount int            // match count of the last completed cycle
	Polls          int            // completed cycles
	Elapsed        time.Duration
}

// First returns the first match, if any.
func (r *Result) First() (core.Element, bool) {
	if r == nil || len(r.Matches) == 0 {
		return core.Element{}, false
	}
	return r.Matches[0], true
}

// IDs returns the element ids of the matches.
func (r *Result) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, len(r.Matches))
	for i, m := range r.Matches {
		ids[i] = m.ID
	}
	return ids
}

// Options configures a Resolver.
type Options struct {
	DefaultTimeout time.Duration
	PollInterval   time.Duration
	// DisableHints stops passing selector hints to the port as filters.
	DisableHints bool
	Logger       *zap.Logger
}

// Resolver polls a QueryPort. It holds no per-resolution state, so one
// Resolver may serve any number of concurrent Resolve calls.
type Resolver struct {
	port core.QueryPort
	opts Options
	log  *zap.Logger
}

// New creates a Resolver over port.
func New(port core.QueryPort, opts Options) *Resolver {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{port: port, opts: opts, log: log}
}

// Resolve polls until req.Policy is satisfied, the deadline passes or ctx is
// done. The Result is always non-nil; on failure the error is a
// *core.ExecutionError carrying the terminal kind.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res := &Result{State: StateIdle, Policy: req.Policy}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}
	log := r.log.With(
		zap.String("selector", req.Selector.String()),
		zap.String("policy", req.Policy.String()),
		zap.String("platform", string(req.Platform)),
	)

	if req.Selector.IsZero() {
		return r.fail(res, start, evFail, core.ErrInvalidArguments.WithMessage("resolve: empty selector"))
	}
	if _, ok := policyNames[req.Policy]; !ok {
		return r.fail(res, start, evFail, core.ErrInvalidArguments.WithMessagef("resolve: unknown policy %d", int(req.Policy)))
	}
	if ctx.Err() != nil {
		return r.fail(res, start, evCancel, r.cancelled(ctx, res))
	}

	deadline := start.Add(timeout)
	pollCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	res.State, _ = transition(res.State, evStart)
	sched := backoff.NewConstantBackOff(r.opts.PollInterval)

	for {
		if ctx.Err() != nil {
			return r.fail(res, start, evCancel, r.cancelled(ctx, res))
		}
		if res.Polls > 0 && !time.Now().Before(deadline) {
			return r.fail(res, start, evDeadline, timeoutError(res))
		}

		matches, err := r.poll(pollCtx, req)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return r.fail(res, start, evCancel, r.cancelled(ctx, res))
			case pollCtx.Err() != nil:
				return r.fail(res, start, evDeadline, timeoutError(res))
			case req.ScopeID != "" && core.IsKind(err, core.KindNotFound):
				// scope not attached yet
				matches = nil
			default:
				log.Debug("fetch failed", zap.Int("poll", res.Polls+1), zap.Error(err))
				return r.fail(res, start, evFail, core.TransportError(err).WithDetails(details(res)))
			}
		}

		res.Polls++
		res.LastMatchCount = len(matches)
		log.Debug("poll", zap.Int("poll", res.Polls), zap.Int("matches", len(matches)))

		if out, ok := satisfied(req.Policy, matches); ok {
			res.Matches = out
			res.State, _ = transition(res.State, evSatisfied)
			res.Elapsed = time.Since(start)
			log.Debug("resolved", zap.Int("polls", res.Polls), zap.Int("matches", len(out)), zap.Duration("elapsed", res.Elapsed))
			return res, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return r.fail(res, start, evDeadline, timeoutError(res))
		}
		wait := sched.NextBackOff()
		if wait > remaining {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return r.fail(res, start, evCancel, r.cancelled(ctx, res))
		case <-timer.C:
		}
	}
}

// ResolveAll runs independent resolutions concurrently. Results keep the
// order of reqs; the first failure cancels the others.
func (r *Resolver) ResolveAll(ctx context.Context, reqs []Request) ([]*Result, error) {
	results := make([]*Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			res, err := r.Resolve(gctx, req)
			results[i] = res
			if err != nil {
				return fmt.Errorf("resolve %s: %w", req.Selector, err)
			}
			return nil
		})
	}
	err := g.Wait()
	return results, err
}

// poll runs one fetch and evaluates the selector over the streamed snapshot.
func (r *Resolver) poll(ctx context.Context, req Request) ([]core.Element, error) {
	q := core.DescendantsQuery{Platform: req.Platform, ScopeID: req.ScopeID}
	if !r.opts.DisableHints {
		if f, ok := req.Selector.Hint(); ok {
			q.Filter = &f
		}
	}
	limit := 0
	if req.Policy == FirstMatch {
		limit = 1
	}
	w := newWalker(req.Selector, limit)
	if req.ScopeID != "" && req.Selector.NeedsAncestors() {
		path, err := r.scopePath(ctx, req.Platform, req.ScopeID)
		if err != nil {
			return nil, err
		}
		w.seed(path)
	}
	if err := r.port.FetchDescendants(ctx, q, w.visit); err != nil {
		return nil, err
	}
	return w.matches, nil
}

// scopePath fetches the scope and its ancestors by following ParentID,
// root first. A missing scope is reported as KindNotFound; an ancestor that
// disappears mid-walk just ends the path.
func (r *Resolver) scopePath(ctx context.Context, platform core.Platform, scopeID string) (selector.Path, error) {
	var chain []core.Element
	seen := make(map[string]bool)
	for id := scopeID; id != "" && !seen[id]; {
		seen[id] = true
		el, err := r.port.FetchOne(ctx, platform, id)
		if err != nil {
			if id != scopeID && core.IsKind(err, core.KindNotFound) {
				break
			}
			return nil, err
		}
		chain = append(chain, el.Shallow())
		id = el.ParentID
	}
	path := make(selector.Path, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		path = append(path, chain[i])
	}
	return path, nil
}

// satisfied applies the policy to one completed cycle.
func satisfied(p Policy, matches []core.Element) ([]core.Element, bool) {
	switch p {
	case ExactlyOne:
		return matches, len(matches) == 1
	case FirstMatch:
		if len(matches) == 0 {
			return nil, false
		}
		return matches[:1], true
	case AllMatches:
		return matches, true
	case NoneMatch:
		return nil, len(matches) == 0
	case AnyMatch:
		return matches, len(matches) > 0
	}
	return nil, false
}

// timeoutError picks the terminal kind for a resolution whose deadline passed.
func timeoutError(res *Result) *core.ExecutionError {
	var err *core.ExecutionError
	switch res.Policy {
	case ExactlyOne:
		if res.LastMatchCount > 1 {
			err = core.ErrAmbiguous.WithMessagef("selector matched %d elements, expected exactly one", res.LastMatchCount)
		} else {
			err = core.ErrNotFound
		}
	case FirstMatch, AnyMatch:
		err = core.ErrNotFound
	case NoneMatch:
		err = core.ErrTimedOut.WithMessagef("selector still matched %d elements", res.LastMatchCount)
	default:
		err = core.ErrTimedOut.WithMessage("no poll completed before timeout")
	}
	return err.WithDetails(details(res))
}

func (r *Resolver) cancelled(ctx context.Context, res *Result) *core.ExecutionError {
	return core.ErrCancelled.WithCause(context.Cause(ctx)).WithDetails(details(res))
}

func (r *Resolver) fail(res *Result, start time.Time, ev event, err *core.ExecutionError) (*Result, error) {
	next, terr := transition(res.State, ev)
	if terr != nil {
		r.log.Warn("resolver state", zap.Error(terr))
	}
	res.State = next
	res.Matches = nil
	res.Elapsed = time.Since(start)
	r.log.Debug("resolution failed",
		zap.String("state", res.State.String()),
		zap.String("kind", err.Kind.String()),
		zap.Int("polls", res.Polls),
		zap.Duration("elapsed", res.Elapsed))
	return res, err
}

func details(res *Result) map[string]interface{} {
	return map[string]interface{}{
		"lastMatchCount": res.LastMatchCount,
		"polls":          res.Polls,
	}
}
