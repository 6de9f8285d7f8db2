// Package mock provides an in-memory agent for testing without a real app.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/appquery/pkg/core"
)

// App is an in-memory implementation of core.QueryPort, core.Executor and
// core.Reconnector. It is safe for concurrent use.
type App struct {
	// Configuration
	Config Config

	mu       sync.Mutex
	trees    map[core.Platform][]core.Element
	frames   map[core.Platform][][]core.Element
	down     bool
	outcomes map[string]core.ExecResponse
	actions  []core.ExecRequest

	// Internal state
	stats    Stats
	inFlight int
}

// Config configures mock behaviour.
type Config struct {
	// Delay is added to every fetch and execute call.
	Delay time.Duration
	// HonourFilter makes FetchDescendants apply the filter hint and stream
	// matching elements flat. Otherwise the hint is ignored.
	HonourFilter bool
	// Flat streams every node without children, ParentID set.
	Flat bool
	// OnExecute runs after an action is recorded and before the outcome is
	// returned, without the App lock held. Use it to mutate the tree.
	OnExecute func(app *App, req core.ExecRequest)
}

// Stats counts calls made against the App.
type Stats struct {
	Fetches     int
	Executes    int
	Reconnects  int
	MaxInFlight int
}

// New creates an App with no trees.
func New(cfg Config) *App {
	return &App{
		Config:   cfg,
		trees:    make(map[core.Platform][]core.Element),
		frames:   make(map[core.Platform][][]core.Element),
		outcomes: make(map[string]core.ExecResponse),
	}
}

// SetTree replaces the application contexts of a platform.
func (a *App) SetTree(platform core.Platform, roots ...core.Element) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trees[platform] = stamp(platform, roots)
}

// Update mutates the tree of a platform in place.
func (a *App) Update(platform core.Platform, fn func(roots []core.Element) []core.Element) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trees[platform] = stamp(platform, fn(a.trees[platform]))
}

// Script queues snapshots served by successive FetchDescendants calls. The
// last frame keeps being served. The most recently served frame is the tree
// seen by FetchOne and Execute.
func (a *App) Script(platform core.Platform, frames ...[]core.Element) {
	a.mu.Lock()
	defer a.mu.Unlock()
	stamped := make([][]core.Element, len(frames))
	for i, f := range frames {
		stamped[i] = stamp(platform, f)
	}
	a.frames[platform] = stamped
	if len(stamped) > 0 {
		a.trees[platform] = stamped[0]
	}
}

// SetDown makes every call fail with KindTransportUnavailable until
// Reconnect or SetDown(false).
func (a *App) SetDown(down bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.down = down
}

// SetOutcome scripts the response for an action. An empty elementID applies
// to every element.
func (a *App) SetOutcome(action, elementID string, resp core.ExecResponse) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outcomes[outcomeKey(action, elementID)] = resp
}

// Actions returns the recorded action requests in call order.
func (a *App) Actions() []core.ExecRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]core.ExecRequest, len(a.actions))
	copy(out, a.actions)
	return out
}

// Stats returns a copy of the call counters.
func (a *App) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// FetchRoots returns deep copies of the current application contexts.
func (a *App) FetchRoots(ctx context.Context, platform core.Platform) ([]core.Element, error) {
	defer a.enter()()
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.down {
		return nil, core.TransportError(errDown)
	}
	return clone(a.current(platform)), nil
}

// FetchDescendants streams the next scripted frame, or the current tree.
func (a *App) FetchDescendants(ctx context.Context, q core.DescendantsQuery, yield func(core.Element) bool) error {
	defer a.enter()()
	if err := a.wait(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.stats.Fetches++
	if a.down {
		a.mu.Unlock()
		return core.TransportError(errDown)
	}
	snapshot := a.nextFrame(q.Platform)
	a.mu.Unlock()

	nodes := snapshot
	if q.ScopeID != "" {
		scope, ok := find(snapshot, q.ScopeID)
		if !ok {
			return core.ErrNotFound.WithMessagef("scope %s not found", q.ScopeID)
		}
		nodes = scope.Children
	}

	if a.Config.HonourFilter && q.Filter != nil {
		return streamFiltered(ctx, nodes, *q.Filter, yield)
	}
	if a.Config.Flat {
		return streamFlat(ctx, nodes, yield)
	}
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !yield(n) {
			return nil
		}
	}
	return nil
}

// FetchOne returns the element with id from the current tree.
func (a *App) FetchOne(ctx context.Context, platform core.Platform, id string) (core.Element, error) {
	defer a.enter()()
	if err := a.wait(ctx); err != nil {
		return core.Element{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.down {
		return core.Element{}, core.TransportError(errDown)
	}
	el, ok := find(a.current(platform), id)
	if !ok {
		return core.Element{}, core.ErrNotFound.WithMessagef("element %s not found", id)
	}
	return clone([]core.Element{el})[0], nil
}

// Execute records the action and returns the scripted or default outcome.
// Defaults: input-text and clear-text edit the element text, get-property
// reads the property from the tree, everything else succeeds.
func (a *App) Execute(ctx context.Context, req core.ExecRequest) (core.ExecResponse, error) {
	defer a.enter()()
	if err := a.wait(ctx); err != nil {
		return core.ExecResponse{}, err
	}

	a.mu.Lock()
	a.stats.Executes++
	if a.down {
		a.mu.Unlock()
		return core.ExecResponse{}, core.TransportError(errDown)
	}
	a.actions = append(a.actions, req)
	el, found := find(a.current(req.Platform), req.ElementID)
	a.mu.Unlock()

	if !found {
		return core.ExecResponse{}, core.ErrNotFound.WithMessagef("element %s not found", req.ElementID)
	}
	if hook := a.Config.OnExecute; hook != nil {
		hook(a, req)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if resp, ok := a.outcomes[outcomeKey(req.Action, req.ElementID)]; ok {
		return resp, nil
	}
	if resp, ok := a.outcomes[outcomeKey(req.Action, "")]; ok {
		return resp, nil
	}

	switch req.Action {
	case "input-text", "clear-text":
		text := ""
		if len(req.Args) > 0 {
			text = el.TextValue() + req.Args[0]
		}
		a.setText(req.Platform, req.ElementID, text)
	case "get-property":
		if len(req.Args) == 0 {
			return core.ExecResponse{Success: false, Message: "property name missing"}, nil
		}
		v, ok := el.Property(req.Args[0])
		if !ok {
			return core.ExecResponse{Success: false, Message: fmt.Sprintf("property %s not available", req.Args[0])}, nil
		}
		return core.ExecResponse{Success: true, Payload: v}, nil
	}
	return core.ExecResponse{Success: true, Message: "mock executed: " + req.Action}, nil
}

// Reconnect brings a downed App back.
func (a *App) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Reconnects++
	a.down = false
	return nil
}

var errDown = errors.New("mock agent is down")

func (a *App) enter() func() {
	a.mu.Lock()
	a.inFlight++
	if a.inFlight > a.stats.MaxInFlight {
		a.stats.MaxInFlight = a.inFlight
	}
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		a.inFlight--
		a.mu.Unlock()
	}
}

func (a *App) wait(ctx context.Context) error {
	if a.Config.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(a.Config.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// current returns the platform tree. Callers hold a.mu.
func (a *App) current(platform core.Platform) []core.Element {
	return a.trees[platform]
}

// nextFrame pops a scripted frame, which becomes the tree. Callers hold a.mu.
func (a *App) nextFrame(platform core.Platform) []core.Element {
	frames := a.frames[platform]
	if len(frames) == 0 {
		return clone(a.trees[platform])
	}
	f := frames[0]
	if len(frames) > 1 {
		a.frames[platform] = frames[1:]
	}
	a.trees[platform] = f
	return clone(f)
}

// setText rewrites the text of one node. Callers hold a.mu.
func (a *App) setText(platform core.Platform, id, text string) {
	roots := a.trees[platform]
	for i := range roots {
		if edit(&roots[i], id, text) {
			return
		}
	}
}

func edit(el *core.Element, id, text string) bool {
	if el.ID == id {
		el.Text = core.StringPtr(text)
		return true
	}
	for i := range el.Children {
		if edit(&el.Children[i], id, text) {
			return true
		}
	}
	return false
}

func outcomeKey(action, elementID string) string {
	return action + "@" + elementID
}

func find(roots []core.Element, id string) (core.Element, bool) {
	for _, r := range roots {
		if el, ok := r.Find(id); ok {
			return el, true
		}
	}
	return core.Element{}, false
}

func streamFlat(ctx context.Context, nodes []core.Element, yield func(core.Element) bool) error {
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		completed := n.Walk(func(el core.Element, _ int) bool {
			return yield(el.Shallow())
		})
		if !completed {
			return nil
		}
	}
	return nil
}

func streamFiltered(ctx context.Context, nodes []core.Element, f core.Filter, yield func(core.Element) bool) error {
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		completed := n.Walk(func(el core.Element, _ int) bool {
			if v, ok := el.Property(f.Property); ok && v == f.Pattern {
				return yield(el.Shallow())
			}
			return true
		})
		if !completed {
			return nil
		}
	}
	return nil
}

// stamp fills Platform and ParentID through a tree and returns a copy.
func stamp(platform core.Platform, roots []core.Element) []core.Element {
	out := clone(roots)
	for i := range out {
		stampNode(&out[i], platform, out[i].ParentID)
	}
	return out
}

func stampNode(el *core.Element, platform core.Platform, parentID string) {
	if el.Platform == "" {
		el.Platform = platform
	}
	el.ParentID = parentID
	for i := range el.Children {
		stampNode(&el.Children[i], platform, el.ID)
	}
}

func clone(roots []core.Element) []core.Element {
	if roots == nil {
		return nil
	}
	out := make([]core.Element, len(roots))
	for i, r := range roots {
		out[i] = r
		if r.Text != nil {
			out[i].Text = core.StringPtr(*r.Text)
		}
		out[i].Children = clone(r.Children)
	}
	return out
}

// Document is the YAML layout read by LoadTree: one list of application
// contexts per platform.
type Document struct {
	Platforms map[core.Platform][]core.Element `yaml:"platforms"`
}

// LoadTree parses a YAML document into an App.
//
//	platforms:
//	  maui:
//	    - id: window-1
//	      type: Window
//	      children:
//	        - {id: lbl, type: Label, automationId: lblCount, text: "Current count: 0", visible: true}
func LoadTree(data []byte, cfg Config) (*App, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse mock tree: %w", err)
	}
	if len(doc.Platforms) == 0 {
		return nil, fmt.Errorf("parse mock tree: no platforms")
	}
	app := New(cfg)
	for name, roots := range doc.Platforms {
		p, err := core.ParsePlatform(string(name))
		if err != nil {
			return nil, fmt.Errorf("parse mock tree: %w", err)
		}
		seen := make(map[string]bool)
		for _, r := range roots {
			ok := r.Walk(func(el core.Element, _ int) bool {
				if el.ID == "" || seen[el.ID] {
					return false
				}
				seen[el.ID] = true
				return true
			})
			if !ok {
				return nil, fmt.Errorf("parse mock tree: %s: missing or duplicate element id", p)
			}
		}
		app.SetTree(p, roots...)
	}
	return app, nil
}
