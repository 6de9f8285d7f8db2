package resolver

import (
	"github.com/devicelab-dev/appquery/pkg/core"
	"github.com/devicelab-dev/appquery/pkg/selector"
)

// walker evaluates a selector over one streamed snapshot in document order.
// Streams may nest children under yielded nodes or send nodes flat with
// ParentID set; both produce the same ancestor paths.
type walker struct {
	sel   selector.Selector
	limit int // stop after this many matches, 0 = no limit

	nodes   map[string]core.Element // shallow copies of every node seen, by id
	parents map[string]string
	base    string // parent of top-level nodes that carry no ParentID
	stack   selector.Path
	matches []core.Element
}

func newWalker(sel selector.Selector, limit int) *walker {
	return &walker{
		sel:     sel,
		limit:   limit,
		nodes:   make(map[string]core.Element),
		parents: make(map[string]string),
	}
}

// seed records the root-first path down to a search scope. Seeded nodes are
// ancestors only; they are never matched.
func (w *walker) seed(path selector.Path) {
	parent := ""
	for _, n := range path {
		w.nodes[n.ID] = n.Shallow()
		w.parents[n.ID] = parent
		parent = n.ID
	}
	w.base = parent
}

// visit is the yield function handed to the query port.
func (w *walker) visit(el core.Element) bool {
	parent := el.ParentID
	if parent == "" {
		parent = w.base
	}
	w.stack = w.ancestry(parent, w.stack[:0])
	return w.walk(el)
}

// ancestry rebuilds the root-first path of already seen ancestors.
func (w *walker) ancestry(parentID string, buf selector.Path) selector.Path {
	var chain []core.Element
	for id := parentID; id != ""; id = w.parents[id] {
		n, ok := w.nodes[id]
		if !ok || len(chain) > len(w.nodes) {
			break
		}
		chain = append(chain, n)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		buf = append(buf, chain[i])
	}
	return buf
}

func (w *walker) walk(el core.Element) bool {
	if el.ID != "" {
		if _, dup := w.nodes[el.ID]; dup {
			return true
		}
		w.nodes[el.ID] = el.Shallow()
		if n := len(w.stack); n > 0 {
			w.parents[el.ID] = w.stack[n-1].ID
		} else {
			w.parents[el.ID] = el.ParentID
		}
	}

	w.stack = append(w.stack, el)
	defer func() { w.stack = w.stack[:len(w.stack)-1] }()

	if w.sel.MatchesPath(w.stack) {
		w.matches = append(w.matches, el)
		if w.limit > 0 && len(w.matches) >= w.limit {
			return false
		}
	}
	for _, child := range el.Children {
		if !w.walk(child) {
			return false
		}
	}
	return true
}
