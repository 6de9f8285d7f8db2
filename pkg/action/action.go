// Package action validates and dispatches element actions to the platform
// executor and reports a uniform Result.
package action

import (
	"strconv"
	"strings"
	"time"

	"github.com/devicelab-dev/appquery/pkg/core"
)

// Action names accepted by Parse.
const (
	NameTap         = "tap"
	NameDoubleTap   = "double-tap"
	NameLongPress   = "long-press"
	NameInputText   = "input-text"
	NameClearText   = "clear-text"
	NameSwipe       = "swipe"
	NameScroll      = "scroll"
	NameGetProperty = "get-property"
)

// Names lists the action vocabulary in a stable order.
var Names = []string{
	NameTap, NameDoubleTap, NameLongPress, NameInputText,
	NameClearText, NameSwipe, NameScroll, NameGetProperty,
}

// Action is one validated action. The set of implementations is closed.
type Action interface {
	// Name returns the vocabulary name.
	Name() string
	// Args returns the canonical positional arguments sent to the executor.
	Args() []string
	isAction()
}

// Direction for swipe and scroll.
type Direction string

const (
	Up    Direction = "up"
	Down  Direction = "down"
	Left  Direction = "left"
	Right Direction = "right"
)

// ParseDirection parses up, down, left or right, ignoring case.
func ParseDirection(s string) (Direction, bool) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case Up, Down, Left, Right:
		return d, true
	}
	return "", false
}

// Tap taps the element center.
type Tap struct{}

// DoubleTap taps twice in quick succession.
type DoubleTap struct{}

// LongPress holds on the element. A zero Duration leaves the choice to the
// agent.
type LongPress struct {
	Duration time.Duration
}

// InputText types Text into the element.
type InputText struct {
	Text string
}

// ClearText empties an input element.
type ClearText struct{}

// Swipe swipes across the element.
type Swipe struct {
	Direction Direction
}

// Scroll scrolls a scrollable element, down by default.
type Scroll struct {
	Direction Direction
}

// GetProperty reads a named property; the value comes back as the payload.
type GetProperty struct {
	Property string
}

func (Tap) Name() string         { return NameTap }
func (DoubleTap) Name() string   { return NameDoubleTap }
func (LongPress) Name() string   { return NameLongPress }
func (InputText) Name() string   { return NameInputText }
func (ClearText) Name() string   { return NameClearText }
func (Swipe) Name() string       { return NameSwipe }
func (Scroll) Name() string      { return NameScroll }
func (GetProperty) Name() string { return NameGetProperty }

func (Tap) Args() []string       { return nil }
func (DoubleTap) Args() []string { return nil }
func (ClearText) Args() []string { return nil }

func (a LongPress) Args() []string {
	if a.Duration <= 0 {
		return nil
	}
	return []string{strconv.FormatInt(a.Duration.Milliseconds(), 10)}
}

func (a InputText) Args() []string   { return []string{a.Text} }
func (a Swipe) Args() []string       { return []string{string(a.Direction)} }
func (a GetProperty) Args() []string { return []string{a.Property} }

func (a Scroll) Args() []string {
	if a.Direction == "" {
		return []string{string(Down)}
	}
	return []string{string(a.Direction)}
}

func (Tap) isAction()         {}
func (DoubleTap) isAction()   {}
func (LongPress) isAction()   {}
func (InputText) isAction()   {}
func (ClearText) isAction()   {}
func (Swipe) isAction()       {}
func (Scroll) isAction()      {}
func (GetProperty) isAction() {}

// Parse validates an action name and its arguments. Unknown names fail with
// KindUnsupportedAction, bad arguments with KindInvalidArguments.
func Parse(name string, args []string) (Action, error) {
	switch name {
	case NameTap, NameDoubleTap, NameClearText:
		if err := arity(name, args, 0, 0); err != nil {
			return nil, err
		}
		switch name {
		case NameTap:
			return Tap{}, nil
		case NameDoubleTap:
			return DoubleTap{}, nil
		}
		return ClearText{}, nil

	case NameInputText:
		if err := arity(name, args, 1, 1); err != nil {
			return nil, err
		}
		return InputText{Text: args[0]}, nil

	case NameLongPress:
		if err := arity(name, args, 0, 1); err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return LongPress{}, nil
		}
		ms, err := strconv.Atoi(strings.TrimSpace(args[0]))
		if err != nil || ms < 0 {
			return nil, invalid("%s: duration must be a non-negative number of milliseconds, got %q", name, args[0])
		}
		return LongPress{Duration: time.Duration(ms) * time.Millisecond}, nil

	case NameSwipe:
		if err := arity(name, args, 1, 1); err != nil {
			return nil, err
		}
		d, ok := ParseDirection(args[0])
		if !ok {
			return nil, invalid("%s: unknown direction %q", name, args[0])
		}
		return Swipe{Direction: d}, nil

	case NameScroll:
		if err := arity(name, args, 0, 1); err != nil {
			return nil, err
		}
		if len(args) == 0 {
			return Scroll{Direction: Down}, nil
		}
		d, ok := ParseDirection(args[0])
		if !ok {
			return nil, invalid("%s: unknown direction %q", name, args[0])
		}
		return Scroll{Direction: d}, nil

	case NameGetProperty:
		if err := arity(name, args, 1, 1); err != nil {
			return nil, err
		}
		if strings.TrimSpace(args[0]) == "" {
			return nil, invalid("%s: property name is empty", name)
		}
		return GetProperty{Property: args[0]}, nil
	}
	return nil, core.ErrUnsupportedAction.WithMessagef("unsupported action %q", name)
}

func arity(name string, args []string, min, max int) error {
	if n := len(args); n < min || n > max {
		switch {
		case min == max:
			return invalid("%s: expected %d argument(s), got %d", name, min, n)
		default:
			return invalid("%s: expected %d to %d arguments, got %d", name, min, max, n)
		}
	}
	return nil
}

func invalid(format string, args ...interface{}) *core.ExecutionError {
	return core.ErrInvalidArguments.WithMessagef(format, args...)
}
