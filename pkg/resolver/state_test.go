package resolver

import "testing"

func TestTransition(t *testing.T) {
	tests := []struct {
		from    State
		ev      event
		want    State
		wantErr bool
	}{
		{StateIdle, evStart, StatePolling, false},
		{StateIdle, evCancel, StateCancelled, false},
		{StateIdle, evFail, StateFailed, false},
		{StateIdle, evSatisfied, StateIdle, true},
		{StateIdle, evDeadline, StateIdle, true},
		{StatePolling, evSatisfied, StateResolved, false},
		{StatePolling, evDeadline, StateTimedOut, false},
		{StatePolling, evCancel, StateCancelled, false},
		{StatePolling, evFail, StateFailed, false},
		{StatePolling, evStart, StatePolling, true},
		{StateResolved, evCancel, StateResolved, true},
		{StateTimedOut, evSatisfied, StateTimedOut, true},
		{StateCancelled, evStart, StateCancelled, true},
		{StateFailed, evStart, StateFailed, true},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"/"+tt.ev.String(), func(t *testing.T) {
			got, err := transition(tt.from, tt.ev)
			if (err != nil) != tt.wantErr {
				t.Fatalf("transition() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("transition() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStateIsTerminal(t *testing.T) {
	terminal := map[State]bool{
		StateIdle:      false,
		StatePolling:   false,
		StateResolved:  true,
		StateTimedOut:  true,
		StateCancelled: true,
		StateFailed:    true,
	}
	for s, want := range terminal {
		if s.IsTerminal() != want {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, !want, want)
		}
	}
	if State(42).String() != "unknown" {
		t.Errorf("State(42).String() = %s", State(42).String())
	}
}
