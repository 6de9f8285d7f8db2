// Package selector implements the element query language: immutable,
// composable predicates over core.Element snapshots.
//
// Atomic predicates look at one element. Then needs the ancestor path of the
// candidate, which is why evaluation takes a Path; Matches is the
// single-element shorthand and never satisfies Then.
package selector

import (
	"strconv"
	"strings"

	"github.com/devicelab-dev/appquery/pkg/core"
)

// Path is the ancestry of a candidate within one snapshot, root first. The
// candidate itself is the last element.
type Path []core.Element

// Node returns the candidate at the end of the path.
func (p Path) Node() core.Element {
	return p[len(p)-1]
}

// Ancestors returns the path without the candidate.
func (p Path) Ancestors() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// Append returns a new path extended by el. The receiver is never modified.
func (p Path) Append(el core.Element) Path {
	out := make(Path, len(p)+1)
	copy(out, p)
	out[len(p)] = el
	return out
}

type matcher interface {
	matchPath(p Path) bool
	describe() string
	hint() (core.Filter, bool)
}

// Selector is an immutable predicate over element snapshots. The zero value
// matches nothing. Selectors are safe for concurrent use.
type Selector struct {
	m matcher
}

// Matches evaluates the selector against a single element with no ancestor
// context. It never panics.
func (s Selector) Matches(el core.Element) bool {
	return s.MatchesPath(Path{el})
}

// MatchesPath evaluates the selector against the last element of p, using the
// rest of p as its ancestors. It never panics.
func (s Selector) MatchesPath(p Path) (ok bool) {
	if s.m == nil || len(p) == 0 {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return s.m.matchPath(p)
}

// IsZero reports whether the selector was never built.
func (s Selector) IsZero() bool {
	return s.m == nil
}

// String returns a readable description, e.g. type="Label" > text~"count".
func (s Selector) String() string {
	if s.m == nil {
		return "<none>"
	}
	return s.m.describe()
}

// Hint returns a server-side filter that selects a superset of the matches,
// when one exists.
func (s Selector) Hint() (core.Filter, bool) {
	if s.m == nil {
		return core.Filter{}, false
	}
	return s.m.hint()
}

// NeedsAncestors reports whether evaluation looks at the candidate's
// ancestors, so a scoped search must supply the path above the scope.
func (s Selector) NeedsAncestors() bool {
	return s.m != nil && needsPath(s.m)
}

// And narrows s by o.
func (s Selector) And(o Selector) Selector {
	return And(s, o)
}

// Then matches elements matching o that have a proper ancestor matching s.
// The candidate itself never counts as its own ancestor, so
// ByType("Label").Then(ByText("count")) does not match a Label directly under
// a Page; write ByType("Page").Then(ByType("Label").And(ByText("count")))
// or ByType("Page").ThenContainingText("count") instead.
func (s Selector) Then(o Selector) Selector {
	if s.m == nil || o.m == nil {
		return Selector{m: never{}}
	}
	return Selector{m: thenMatch{ancestor: s.m, self: o.m}}
}

// ThenContainingText is shorthand for s.Then(ByText(text)).
func (s Selector) ThenContainingText(text string) Selector {
	return s.Then(ByText(text))
}

// And returns the conjunction of parts, evaluated left to right with
// short-circuit. An empty or zero part makes the result match nothing.
func And(parts ...Selector) Selector {
	if len(parts) == 0 {
		return Selector{m: never{}}
	}
	var ms []matcher
	for _, p := range parts {
		switch m := p.m.(type) {
		case nil:
			return Selector{m: never{}}
		case andMatch:
			ms = append(ms, m.parts...)
		default:
			ms = append(ms, m)
		}
	}
	if len(ms) == 1 {
		return Selector{m: ms[0]}
	}
	return Selector{m: andMatch{parts: ms}}
}

// ByAutomationID matches the automation id exactly (case-sensitive).
func ByAutomationID(id string) Selector {
	return Selector{m: propEquals{prop: core.PropAutomationID, value: id}}
}

// ByID matches the agent-assigned element id.
func ByID(id string) Selector {
	return Selector{m: propEquals{prop: core.PropID, value: id}}
}

// ByType matches the short type name exactly (case-sensitive).
func ByType(name string) Selector {
	return Selector{m: propEquals{prop: core.PropType, value: name}}
}

// ByFullType matches the fully qualified type name exactly.
func ByFullType(name string) Selector {
	return Selector{m: propEquals{prop: core.PropFullType, value: name}}
}

// ByPropertyEquals matches a named property by exact value.
func ByPropertyEquals(name, value string) Selector {
	return Selector{m: propEquals{prop: name, value: value}}
}

// ByText matches elements whose text contains substr, ignoring case.
// Elements without text never match; an empty substr matches every element
// that has text, including empty text.
func ByText(substr string) Selector {
	return Selector{m: textContains{raw: substr, lower: strings.ToLower(substr)}}
}

// ByProperty matches when the named property exists and pred accepts its
// value. Unknown properties and absent text evaluate to false.
func ByProperty(name string, pred func(value string) bool) Selector {
	if pred == nil {
		return Selector{m: never{}}
	}
	return Selector{m: propertyMatch{name: name, pred: pred}}
}

// Where matches elements accepted by fn.
func Where(fn func(core.Element) bool) Selector {
	if fn == nil {
		return Selector{m: never{}}
	}
	return Selector{m: funcMatch{fn: fn, desc: "where(func)"}}
}

// Not negates a selector evaluated on the same path.
func Not(s Selector) Selector {
	if s.m == nil {
		return Selector{m: never{}}
	}
	return Selector{m: notMatch{inner: s.m}}
}

// Visible matches visible elements.
func Visible() Selector {
	return Selector{m: funcMatch{fn: func(el core.Element) bool { return el.Visible }, desc: "visible"}}
}

// Enabled matches enabled elements.
func Enabled() Selector {
	return Selector{m: funcMatch{fn: func(el core.Element) bool { return el.Enabled }, desc: "enabled"}}
}

// Focused matches the focused element.
func Focused() Selector {
	return Selector{m: funcMatch{fn: func(el core.Element) bool { return el.Focused }, desc: "focused"}}
}

type never struct{}

func (never) matchPath(Path) bool       { return false }
func (never) describe() string          { return "<never>" }
func (never) hint() (core.Filter, bool) { return core.Filter{}, false }

type notMatch struct {
	inner matcher
}

func (m notMatch) matchPath(p Path) bool { return !m.inner.matchPath(p) }
func (m notMatch) describe() string      { return "!" + wrap(m.inner) }

func (notMatch) hint() (core.Filter, bool) { return core.Filter{}, false }

type propEquals struct {
	prop  string
	value string
}

func (m propEquals) matchPath(p Path) bool {
	v, ok := p.Node().Property(m.prop)
	return ok && v == m.value
}

func (m propEquals) describe() string {
	return m.prop + "=" + strconv.Quote(m.value)
}

func (m propEquals) hint() (core.Filter, bool) {
	return core.Filter{Property: m.prop, Pattern: m.value}, true
}

type textContains struct {
	raw   string
	lower string
}

func (m textContains) matchPath(p Path) bool {
	el := p.Node()
	if el.Text == nil {
		return false
	}
	if m.lower == "" {
		return true
	}
	return strings.Contains(strings.ToLower(*el.Text), m.lower)
}

func (m textContains) describe() string {
	return "text~" + strconv.Quote(m.raw)
}

func (textContains) hint() (core.Filter, bool) { return core.Filter{}, false }

type propertyMatch struct {
	name string
	pred func(string) bool
}

func (m propertyMatch) matchPath(p Path) bool {
	v, ok := p.Node().Property(m.name)
	return ok && m.pred(v)
}

func (m propertyMatch) describe() string {
	return "property(" + m.name + ")"
}

func (propertyMatch) hint() (core.Filter, bool) { return core.Filter{}, false }

type funcMatch struct {
	fn   func(core.Element) bool
	desc string
}

func (m funcMatch) matchPath(p Path) bool {
	return m.fn(p.Node())
}

func (m funcMatch) describe() string { return m.desc }

func (funcMatch) hint() (core.Filter, bool) { return core.Filter{}, false }

type andMatch struct {
	parts []matcher
}

func (m andMatch) matchPath(p Path) bool {
	for _, part := range m.parts {
		if !part.matchPath(p) {
			return false
		}
	}
	return true
}

func (m andMatch) describe() string {
	descs := make([]string, len(m.parts))
	for i, part := range m.parts {
		descs[i] = part.describe()
	}
	return strings.Join(descs, " && ")
}

// hint returns the first part's hint, unless some part needs ancestors that
// a filtered stream would not carry.
func (m andMatch) hint() (core.Filter, bool) {
	if needsPath(m) {
		return core.Filter{}, false
	}
	for _, part := range m.parts {
		if f, ok := part.hint(); ok {
			return f, true
		}
	}
	return core.Filter{}, false
}

// thenMatch requires self on the candidate and ancestor on some proper
// ancestor, each evaluated with its own path.
type thenMatch struct {
	ancestor matcher
	self     matcher
}

func (m thenMatch) matchPath(p Path) bool {
	if !m.self.matchPath(p) {
		return false
	}
	for i := len(p) - 1; i >= 1; i-- {
		if m.ancestor.matchPath(p[:i]) {
			return true
		}
	}
	return false
}

func (m thenMatch) describe() string {
	return wrap(m.ancestor) + " > " + wrap(m.self)
}

// The candidate set depends on ancestors, which a flat server filter drops.
func (thenMatch) hint() (core.Filter, bool) { return core.Filter{}, false }

// needsPath reports whether m looks past the candidate itself.
func needsPath(m matcher) bool {
	switch t := m.(type) {
	case thenMatch, *scriptMatch:
		return true
	case notMatch:
		return needsPath(t.inner)
	case andMatch:
		for _, part := range t.parts {
			if needsPath(part) {
				return true
			}
		}
	}
	return false
}

func wrap(m matcher) string {
	switch m.(type) {
	case andMatch, thenMatch:
		return "(" + m.describe() + ")"
	}
	return m.describe()
}
