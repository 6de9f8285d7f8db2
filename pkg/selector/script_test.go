package selector

import (
	"sync"
	"testing"
	"time"

	"github.com/devicelab-dev/appquery/pkg/core"
)

func TestByScript_Matches(t *testing.T) {
	sel, err := ByScript(`el.type === "Label" && el.text !== null && el.text.includes("count")`)
	if err != nil {
		t.Fatalf("ByScript() error: %v", err)
	}

	label := core.Element{Type: "Label", Text: core.StringPtr("Current count: 1")}
	button := core.Element{Type: "Button", Text: core.StringPtr("count")}
	noText := core.Element{Type: "Label"}

	if !sel.Matches(label) {
		t.Error("script should match the label")
	}
	if sel.Matches(button) {
		t.Error("script should not match the button")
	}
	if sel.Matches(noText) {
		t.Error("script should not match a label without text")
	}
}

func TestByScript_Depth(t *testing.T) {
	sel, err := ByScript(`depth >= 1 && el.width > 100`)
	if err != nil {
		t.Fatal(err)
	}
	root := core.Element{ID: "r"}
	wide := core.Element{ID: "w", Bounds: core.Bounds{Width: 200}}

	if sel.MatchesPath(Path{wide}) {
		t.Error("root-level element has depth 0")
	}
	if !sel.MatchesPath(Path{root, wide}) {
		t.Error("nested wide element should match")
	}
}

func TestByScript_CompileError(t *testing.T) {
	if _, err := ByScript(`el.type ===`); err == nil {
		t.Error("expected compile error")
	}
}

func TestByScript_RuntimeErrorIsFalse(t *testing.T) {
	sel, err := ByScript(`el.text.includes("x")`)
	if err != nil {
		t.Fatal(err)
	}
	// text is null here, so includes throws
	if sel.Matches(core.Element{}) {
		t.Error("runtime error should evaluate to false")
	}
}

func TestByScript_BudgetInterruptsLoops(t *testing.T) {
	old := ScriptBudget
	ScriptBudget = 20 * time.Millisecond
	defer func() { ScriptBudget = old }()

	sel, err := ByScript(`(function(){ while(true){} })()`)
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if sel.Matches(core.Element{}) {
		t.Error("interrupted script should evaluate to false")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("script ran for %v, budget not enforced", elapsed)
	}
}

func TestByScript_Concurrent(t *testing.T) {
	sel, err := ByScript(`el.automationId === "target"`)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan string, 64)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			el := core.Element{AutomationID: "other"}
			want := i%2 == 0
			if want {
				el.AutomationID = "target"
			}
			if got := sel.Matches(el); got != want {
				errs <- el.AutomationID
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for id := range errs {
		t.Errorf("wrong result for automationId=%s", id)
	}
}
