package selector

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Spec is the declarative (YAML) form of a selector, used by config files and
// the CLI. A scalar value is shorthand for text.
//
//	type: Label
//	text: count
//	within:
//	  automationId: counterPanel
type Spec struct {
	ID           string `yaml:"id,omitempty"`
	AutomationID string `yaml:"automationId,omitempty"`
	Type         string `yaml:"type,omitempty"`
	FullType     string `yaml:"fullType,omitempty"`
	Text         string `yaml:"text,omitempty"`
	// HasText distinguishes `text: ""` (any element with text) from no text
	// constraint at all.
	HasText bool `yaml:"-"`

	// State filters
	Visible *bool `yaml:"visible,omitempty"`
	Enabled *bool `yaml:"enabled,omitempty"`
	Focused *bool `yaml:"focused,omitempty"`

	// Script is a JavaScript expression, see ByScript.
	Script string `yaml:"script,omitempty"`

	// Within requires an ancestor matching the nested spec.
	Within *Spec `yaml:"within,omitempty"`
}

// specRaw mirrors Spec for decoding without recursing into UnmarshalYAML.
type specRaw struct {
	ID           string  `yaml:"id"`
	AutomationID string  `yaml:"automationId"`
	Type         string  `yaml:"type"`
	FullType     string  `yaml:"fullType"`
	Text         *string `yaml:"text"`
	Visible      *bool   `yaml:"visible"`
	Enabled      *bool   `yaml:"enabled"`
	Focused      *bool   `yaml:"focused"`
	Script       string  `yaml:"script"`
	Within       *Spec   `yaml:"within"`
}

// ErrEmptySpec is returned when compiling a spec with no constraints.
var ErrEmptySpec = errors.New("selector has no constraints")

// UnmarshalYAML allows Spec to be unmarshaled from string or struct.
func (s *Spec) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*s = Spec{Text: node.Value, HasText: true}
		return nil
	}

	var raw specRaw
	if err := node.Decode(&raw); err != nil {
		return err
	}

	*s = Spec{
		ID:           raw.ID,
		AutomationID: raw.AutomationID,
		Type:         raw.Type,
		FullType:     raw.FullType,
		Visible:      raw.Visible,
		Enabled:      raw.Enabled,
		Focused:      raw.Focused,
		Script:       raw.Script,
		Within:       raw.Within,
	}
	if raw.Text != nil {
		s.Text = *raw.Text
		s.HasText = true
	}
	return nil
}

// ParseSpec parses a YAML selector, e.g. `automationId: buttonOne` or `Login`.
func ParseSpec(src string) (Spec, error) {
	var s Spec
	if err := yaml.Unmarshal([]byte(src), &s); err != nil {
		return Spec{}, fmt.Errorf("parse selector: %w", err)
	}
	return s, nil
}

// IsEmpty returns true if no selector properties are set.
func (s *Spec) IsEmpty() bool {
	return s.ID == "" &&
		s.AutomationID == "" &&
		s.Type == "" &&
		s.FullType == "" &&
		!s.HasText && s.Text == "" &&
		s.Visible == nil &&
		s.Enabled == nil &&
		s.Focused == nil &&
		s.Script == ""
}

// Compile builds the Selector. Constraints are conjoined in a fixed order;
// Within wraps the result as within.Then(self).
func (s *Spec) Compile() (Selector, error) {
	if s.IsEmpty() {
		return Selector{}, ErrEmptySpec
	}

	var parts []Selector
	if s.AutomationID != "" {
		parts = append(parts, ByAutomationID(s.AutomationID))
	}
	if s.ID != "" {
		parts = append(parts, ByID(s.ID))
	}
	if s.Type != "" {
		parts = append(parts, ByType(s.Type))
	}
	if s.FullType != "" {
		parts = append(parts, ByFullType(s.FullType))
	}
	if s.HasText || s.Text != "" {
		parts = append(parts, ByText(s.Text))
	}
	if s.Visible != nil {
		parts = append(parts, boolState(Visible(), *s.Visible))
	}
	if s.Enabled != nil {
		parts = append(parts, boolState(Enabled(), *s.Enabled))
	}
	if s.Focused != nil {
		parts = append(parts, boolState(Focused(), *s.Focused))
	}
	if s.Script != "" {
		script, err := ByScript(s.Script)
		if err != nil {
			return Selector{}, err
		}
		parts = append(parts, script)
	}

	self := And(parts...)
	if s.Within == nil {
		return self, nil
	}
	ancestor, err := s.Within.Compile()
	if err != nil {
		return Selector{}, fmt.Errorf("within: %w", err)
	}
	return ancestor.Then(self), nil
}

func boolState(sel Selector, want bool) Selector {
	if want {
		return sel
	}
	return Not(sel)
}

// Describe returns a human-readable description.
func (s *Spec) Describe() string {
	var desc string
	switch {
	case s.AutomationID != "":
		desc = "#" + s.AutomationID
	case s.Text != "":
		desc = s.Text
	case s.ID != "":
		desc = "id:" + s.ID
	case s.Type != "":
		desc = s.Type
	case s.FullType != "":
		desc = s.FullType
	case s.Script != "":
		desc = "script:" + s.Script
	}
	if s.Within != nil {
		if parent := s.Within.Describe(); parent != "" {
			desc = strings.TrimSpace(parent + " > " + desc)
		}
	}
	return desc
}
