package action

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/devicelab-dev/appquery/pkg/core"
)

// spyExecutor records every request and replays a canned response.
type spyExecutor struct {
	mu       sync.Mutex
	requests []core.ExecRequest
	resp     core.ExecResponse
	err      error
	panicky  bool
}

func (s *spyExecutor) Execute(ctx context.Context, req core.ExecRequest) (core.ExecResponse, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.panicky {
		panic("boom")
	}
	return s.resp, s.err
}

func (s *spyExecutor) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

func TestPerform_UnsupportedActionMakesNoCall(t *testing.T) {
	spy := &spyExecutor{resp: core.ExecResponse{Success: true}}
	d := NewDispatcher(spy, nil)

	res := d.Perform(context.Background(), core.PlatformMaui, "el-1", "pinch-zoom")
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Kind != core.KindUnsupportedAction {
		t.Errorf("Kind = %s, want unsupported_action", res.Kind)
	}
	if spy.calls() != 0 {
		t.Errorf("executor calls = %d, want 0", spy.calls())
	}
	if !errors.Is(res.Err(), core.ErrUnsupportedAction) {
		t.Errorf("Err() = %v", res.Err())
	}
}

func TestPerform_InvalidRequestsMakeNoCall(t *testing.T) {
	spy := &spyExecutor{resp: core.ExecResponse{Success: true}}
	d := NewDispatcher(spy, nil)

	tests := []struct {
		name    string
		element string
		action  string
		args    []string
	}{
		{"missing text", "el-1", NameInputText, nil},
		{"bad direction", "el-1", NameSwipe, []string{"sideways"}},
		{"empty element id", "", NameTap, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Perform(context.Background(), core.PlatformAndroid, tt.element, tt.action, tt.args...)
			if res.Kind != core.KindInvalidArguments {
				t.Errorf("Kind = %s, want invalid_arguments", res.Kind)
			}
		})
	}
	if spy.calls() != 0 {
		t.Errorf("executor calls = %d, want 0", spy.calls())
	}
}

func TestPerform_Success(t *testing.T) {
	spy := &spyExecutor{resp: core.ExecResponse{Success: true, Payload: "Current count: 1"}}
	d := NewDispatcher(spy, nil)

	res := d.Perform(context.Background(), core.PlatformMaui, "lbl", NameGetProperty, "text")
	if !res.Success || res.Kind != core.KindNone || res.Err() != nil {
		t.Fatalf("Perform() = %+v", res)
	}
	if res.Payload != "Current count: 1" {
		t.Errorf("Payload = %v", res.Payload)
	}
	want := core.ExecRequest{Platform: core.PlatformMaui, ElementID: "lbl", Action: NameGetProperty, Args: []string{"text"}}
	got := spy.requests[0]
	if got.Platform != want.Platform || got.ElementID != want.ElementID || got.Action != want.Action || got.Args[0] != "text" {
		t.Errorf("request = %+v, want %+v", got, want)
	}
}

func TestPerform_ScrollSendsDefaultDirection(t *testing.T) {
	spy := &spyExecutor{resp: core.ExecResponse{Success: true}}
	NewDispatcher(spy, nil).Perform(context.Background(), core.PlatformIOS, "list", NameScroll)
	if args := spy.requests[0].Args; len(args) != 1 || args[0] != "down" {
		t.Errorf("Args = %v, want [down]", args)
	}
}

func TestPerform_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		spy      *spyExecutor
		wantKind core.ErrorKind
	}{
		{"remote failure", &spyExecutor{resp: core.ExecResponse{Success: false, Message: "element not enabled"}}, core.KindRemoteActionFailed},
		{"transport error", &spyExecutor{err: errors.New("dial tcp: connection refused")}, core.KindTransportUnavailable},
		{"typed not found", &spyExecutor{err: core.ErrNotFound.WithMessage("stale element")}, core.KindNotFound},
		{"context error", &spyExecutor{err: context.DeadlineExceeded}, core.KindCancelled},
		{"panic", &spyExecutor{panicky: true}, core.KindRemoteActionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewDispatcher(tt.spy, nil).Perform(context.Background(), core.PlatformMaui, "btn", NameTap)
			if res.Success {
				t.Fatal("expected failure")
			}
			if res.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", res.Kind, tt.wantKind)
			}
			if res.Message == "" {
				t.Error("Message is empty")
			}
			if core.KindOf(res.Err()) != tt.wantKind {
				t.Errorf("KindOf(Err()) = %s", core.KindOf(res.Err()))
			}
		})
	}
}

func TestPerform_CancelledContext(t *testing.T) {
	spy := &spyExecutor{resp: core.ExecResponse{Success: true}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := NewDispatcher(spy, nil).Perform(ctx, core.PlatformMaui, "btn", NameTap)
	if res.Kind != core.KindCancelled {
		t.Errorf("Kind = %s, want cancelled", res.Kind)
	}
	if spy.calls() != 0 {
		t.Errorf("executor calls = %d, want 0", spy.calls())
	}
}

func TestPerform_Logs(t *testing.T) {
	obsCore, logs := observer.New(zap.DebugLevel)
	d := NewDispatcher(&spyExecutor{resp: core.ExecResponse{Success: false}}, zap.New(obsCore))
	d.Perform(context.Background(), core.PlatformMaui, "btn", NameTap)

	entries := logs.FilterMessage("action failed").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	if entries[0].ContextMap()["kind"] != "remote_action_failed" {
		t.Errorf("kind field = %v", entries[0].ContextMap()["kind"])
	}
}

func TestResultString(t *testing.T) {
	ok := &Result{Action: "tap", Success: true}
	if got := ok.String(); got != "tap ok in 0s" {
		t.Errorf("String() = %q", got)
	}
	failed := &Result{Action: "tap", Kind: core.KindNotFound, Message: "gone"}
	if got := failed.String(); got != "tap failed [not_found]: gone" {
		t.Errorf("String() = %q", got)
	}
	var nilResult *Result
	if nilResult.Err() != nil {
		t.Error("nil Result Err() should be nil")
	}
}
