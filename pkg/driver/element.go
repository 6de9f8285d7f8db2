package driver

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/devicelab-dev/appquery/pkg/action"
	"github.com/devicelab-dev/appquery/pkg/core"
	"github.com/devicelab-dev/appquery/pkg/resolver"
	"github.com/devicelab-dev/appquery/pkg/selector"
)

// Element is a handle on a resolved element. The embedded snapshot is what
// the agent reported at resolution time; actions always go to the live
// element by id and fail with core.KindNotFound once it is gone.
type Element struct {
	core.Element
	d *Driver
}

// Tap taps the element.
func (e *Element) Tap(ctx context.Context) error {
	return e.do(ctx, action.Tap{})
}

// DoubleTap double-taps the element.
func (e *Element) DoubleTap(ctx context.Context) error {
	return e.do(ctx, action.DoubleTap{})
}

// LongPress presses and holds. Zero uses the agent default.
func (e *Element) LongPress(ctx context.Context, d time.Duration) error {
	return e.do(ctx, action.LongPress{Duration: d})
}

// InputText types text into the element.
func (e *Element) InputText(ctx context.Context, text string) error {
	return e.do(ctx, action.InputText{Text: text})
}

// ClearText clears the element text.
func (e *Element) ClearText(ctx context.Context) error {
	return e.do(ctx, action.ClearText{})
}

// Swipe swipes across the element.
func (e *Element) Swipe(ctx context.Context, dir action.Direction) error {
	return e.do(ctx, action.Swipe{Direction: dir})
}

// Scroll scrolls the element.
func (e *Element) Scroll(ctx context.Context, dir action.Direction) error {
	return e.do(ctx, action.Scroll{Direction: dir})
}

// Property reads a property from the live element.
func (e *Element) Property(ctx context.Context, name string) (string, error) {
	res := e.d.Perform(ctx, e.ID, action.NameGetProperty, name)
	if err := res.Err(); err != nil {
		return "", err
	}
	switch v := res.Payload.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// Refresh re-fetches the element by id.
func (e *Element) Refresh(ctx context.Context) (*Element, error) {
	var el core.Element
	err := e.d.retry(ctx, "refresh "+e.ID, func() error {
		var err error
		el, err = e.d.port.FetchOne(ctx, e.d.opts.Platform, e.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e.d.handle(el), nil
}

// Find returns the first descendant of e matching sel.
func (e *Element) Find(ctx context.Context, sel selector.Selector) (*Element, error) {
	return e.d.one(ctx, sel, resolver.FirstMatch, e.ID)
}

// FindAll returns every descendant of e matching sel in one snapshot.
func (e *Element) FindAll(ctx context.Context, sel selector.Selector) ([]*Element, error) {
	return e.d.many(ctx, sel, resolver.AllMatches, e.ID)
}

func (e *Element) do(ctx context.Context, a action.Action) error {
	var res *action.Result
	_ = e.d.retryIf(ctx, a.Name()+" "+e.ID, actionRetryable(a.Name()), func() error {
		res = e.d.disp.Do(ctx, e.d.opts.Platform, e.ID, a)
		return res.Err()
	})
	return res.Err()
}
