package selector

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/devicelab-dev/appquery/pkg/core"
)

// ScriptBudget bounds a single script evaluation. A script that runs longer
// is interrupted and evaluates to false.
var ScriptBudget = 50 * time.Millisecond

// ByScript compiles a JavaScript expression evaluated once per candidate with
// `el` bound to the element (id, parentId, platform, type, fullType,
// automationId, text, visible, enabled, focused, x, y, width, height) and
// `depth` to its depth in the path. Script errors evaluate to false.
//
//	el.type === "Label" && el.text !== null && el.text.includes("count")
func ByScript(src string) (Selector, error) {
	prog, err := goja.Compile("selector", "("+src+")", false)
	if err != nil {
		return Selector{}, fmt.Errorf("compile selector script: %w", err)
	}
	return Selector{m: &scriptMatch{
		src:  src,
		prog: prog,
		pool: &sync.Pool{New: func() interface{} { return goja.New() }},
	}}, nil
}

type scriptMatch struct {
	src  string
	prog *goja.Program
	// A goja.Runtime is single-goroutine; the pool hands each evaluation its own.
	pool *sync.Pool
}

func (m *scriptMatch) matchPath(p Path) bool {
	vm := m.pool.Get().(*goja.Runtime)
	if err := vm.Set("el", scriptElement(p.Node())); err != nil {
		m.pool.Put(vm)
		return false
	}
	if err := vm.Set("depth", len(p)-1); err != nil {
		m.pool.Put(vm)
		return false
	}

	timer := time.AfterFunc(ScriptBudget, func() {
		vm.Interrupt("selector script exceeded budget")
	})
	v, err := vm.RunProgram(m.prog)
	if !timer.Stop() {
		// The interrupt may still land; drop this runtime.
		return false
	}
	vm.ClearInterrupt()
	m.pool.Put(vm)

	if err != nil || v == nil {
		return false
	}
	return v.ToBoolean()
}

func (m *scriptMatch) describe() string {
	return "script(" + strconv.Quote(m.src) + ")"
}

func (*scriptMatch) hint() (core.Filter, bool) { return core.Filter{}, false }

func scriptElement(el core.Element) map[string]interface{} {
	var text interface{}
	if el.Text != nil {
		text = *el.Text
	}
	return map[string]interface{}{
		"id":           el.ID,
		"parentId":     el.ParentID,
		"platform":     string(el.Platform),
		"type":         el.Type,
		"fullType":     el.FullType,
		"automationId": el.AutomationID,
		"text":         text,
		"visible":      el.Visible,
		"enabled":      el.Enabled,
		"focused":      el.Focused,
		"x":            el.Bounds.X,
		"y":            el.Bounds.Y,
		"width":        el.Bounds.Width,
		"height":       el.Bounds.Height,
		"children":     len(el.Children),
	}
}
