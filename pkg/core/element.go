// Package core defines the element snapshot, the remote ports and the error
// taxonomy shared by the selector, resolver and action packages.
package core

import (
	"fmt"
	"strconv"
	"strings"
)

// Platform identifies the UI framework an application context belongs to.
type Platform string

// Platforms exposed by the agent.
const (
	PlatformMaui        Platform = "maui"
	PlatformAndroid     Platform = "android"
	PlatformIOS         Platform = "ios"
	PlatformMacCatalyst Platform = "maccatalyst"
	PlatformWinAppSDK   Platform = "winappsdk"
)

// Platforms lists every known platform in a stable order.
var Platforms = []Platform{PlatformMaui, PlatformAndroid, PlatformIOS, PlatformMacCatalyst, PlatformWinAppSDK}

// ParsePlatform parses a platform name case-insensitively.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Platforms {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Element is an immutable snapshot of one UI node as returned by the agent.
// IDs are only meaningful to the agent and may become stale once the remote
// tree is rebuilt; never hold an Element across calls expecting it to be live.
type Element struct {
	ID           string    `json:"id" yaml:"id"`
	ParentID     string    `json:"parentId,omitempty" yaml:"parentId,omitempty"`
	Platform     Platform  `json:"platform,omitempty" yaml:"platform,omitempty"`
	Type         string    `json:"type,omitempty" yaml:"type,omitempty"`
	FullType     string    `json:"fullType,omitempty" yaml:"fullType,omitempty"`
	AutomationID string    `json:"automationId,omitempty" yaml:"automationId,omitempty"`
	Text         *string   `json:"text,omitempty" yaml:"text,omitempty"`
	Visible      bool      `json:"visible" yaml:"visible"`
	Enabled      bool      `json:"enabled" yaml:"enabled"`
	Focused      bool      `json:"focused,omitempty" yaml:"focused,omitempty"`
	Bounds       Bounds    `json:"bounds" yaml:"bounds"`
	Children     []Element `json:"children,omitempty" yaml:"children,omitempty"`
}

// Bounds represents element position and size
type Bounds struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Center returns the center point of the bounds
func (b Bounds) Center() (int, int) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Contains checks if a point is within the bounds
func (b Bounds) Contains(x, y int) bool {
	return x >= b.X && x < b.X+b.Width && y >= b.Y && y < b.Y+b.Height
}

// StringPtr returns a pointer to s. Handy when building snapshots with text.
func StringPtr(s string) *string {
	return &s
}

// HasText reports whether the element carries text at all. An element with
// empty text still has text.
func (e Element) HasText() bool {
	return e.Text != nil
}

// TextValue returns the element text, or "" when the element has none.
func (e Element) TextValue() string {
	if e.Text == nil {
		return ""
	}
	return *e.Text
}

// Property names understood by Element.Property.
const (
	PropID           = "id"
	PropParentID     = "parentId"
	PropPlatform     = "platform"
	PropType         = "type"
	PropFullType     = "fullType"
	PropAutomationID = "automationId"
	PropText         = "text"
	PropVisible      = "visible"
	PropEnabled      = "enabled"
	PropFocused      = "focused"
	PropX            = "x"
	PropY            = "y"
	PropWidth        = "width"
	PropHeight       = "height"
)

// Property returns the string form of a named property. The second result is
// false for unknown names and for text on an element without text.
func (e Element) Property(name string) (string, bool) {
	switch name {
	case PropID:
		return e.ID, true
	case PropParentID:
		return e.ParentID, true
	case PropPlatform:
		return string(e.Platform), true
	case PropType:
		return e.Type, true
	case PropFullType:
		return e.FullType, true
	case PropAutomationID:
		return e.AutomationID, true
	case PropText:
		if e.Text == nil {
			return "", false
		}
		return *e.Text, true
	case PropVisible:
		return strconv.FormatBool(e.Visible), true
	case PropEnabled:
		return strconv.FormatBool(e.Enabled), true
	case PropFocused:
		return strconv.FormatBool(e.Focused), true
	case PropX:
		return strconv.Itoa(e.Bounds.X), true
	case PropY:
		return strconv.Itoa(e.Bounds.Y), true
	case PropWidth:
		return strconv.Itoa(e.Bounds.Width), true
	case PropHeight:
		return strconv.Itoa(e.Bounds.Height), true
	}
	return "", false
}

// Walk visits e and its descendants in pre-order. Returning false from fn
// stops the walk; Walk reports whether it ran to completion.
func (e Element) Walk(fn func(el Element, depth int) bool) bool {
	return walk(e, 0, fn)
}

func walk(e Element, depth int, fn func(Element, int) bool) bool {
	if !fn(e, depth) {
		return false
	}
	for _, child := range e.Children {
		if !walk(child, depth+1, fn) {
			return false
		}
	}
	return true
}

// Find returns the element with the given id within this snapshot.
func (e Element) Find(id string) (Element, bool) {
	var found Element
	ok := false
	e.Walk(func(el Element, _ int) bool {
		if el.ID == id {
			found, ok = el, true
			return false
		}
		return true
	})
	return found, ok
}

// Count returns the number of nodes in the snapshot rooted at e.
func (e Element) Count() int {
	n := 0
	e.Walk(func(Element, int) bool {
		n++
		return true
	})
	return n
}

// Shallow returns a copy of e without children.
func (e Element) Shallow() Element {
	e.Children = nil
	return e
}

// Describe returns a one-line summary like `Label#lblCount "Current count: 1"`.
func (e Element) Describe() string {
	var sb strings.Builder
	if e.Type != "" {
		sb.WriteString(e.Type)
	} else {
		sb.WriteString("?")
	}
	if e.AutomationID != "" {
		sb.WriteString("#" + e.AutomationID)
	}
	if e.Text != nil && *e.Text != "" {
		sb.WriteString(" " + strconv.Quote(*e.Text))
	}
	sb.WriteString(" [" + e.ID + "]")
	return sb.String()
}
