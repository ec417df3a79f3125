// Package actions routes matched nodes to concrete side effects and executes them.
package actions

import (
	_ "embed"
	"fmt"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"signal-autopilot/pkg/models"
)

//go:embed actions.yaml
var defaultTableYAML []byte

// Route maps a keyword set to an action type.
type Route struct {
	Action   models.ActionType `yaml:"action"`
	Keywords []string          `yaml:"keywords"`
}

// Table is the keyword to action mapping used to pick an action for a node.
type Table struct {
	Default models.ActionType `yaml:"default"`
	Routes  []Route           `yaml:"routes"`
}

var knownActions = map[models.ActionType]bool{
	models.ActionSendNotification: true,
	models.ActionCreateIssue:      true,
}

// Load parses and validates a YAML mapping table.
func Load(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse action table: %w", err)
	}
	if !knownActions[t.Default] {
		return nil, fmt.Errorf("action table: unknown default action %q", t.Default)
	}
	for i, r := range t.Routes {
		if !knownActions[r.Action] {
			return nil, fmt.Errorf("action table: route %d: unknown action %q", i, r.Action)
		}
		if len(r.Keywords) == 0 {
			return nil, fmt.Errorf("action table: route %d (%s) has no keywords", i, r.Action)
		}
		for j, kw := range r.Keywords {
			t.Routes[i].Keywords[j] = strings.ToLower(strings.TrimSpace(kw))
		}
	}
	return &t, nil
}

// DefaultTable returns the built-in mapping table.
func DefaultTable() *Table {
	t, err := Load(defaultTableYAML)
	if err != nil {
		panic(fmt.Sprintf("load actions.yaml: %v", err))
	}
	return t
}

// Route picks the action for a node label. Keywords match whole words, with
// a trailing plural "s" ignored.
func (t *Table) Route(label string) models.ActionType {
	words := strings.FieldsFunc(strings.ToLower(label), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, r := range t.Routes {
		for _, kw := range r.Keywords {
			for _, w := range words {
				if w == kw || strings.TrimSuffix(w, "s") == kw {
					return r.Action
				}
			}
		}
	}
	return t.Default
}

// Plan picks the action for node and synthesizes its parameters from the
// node and the triggering signal.
func (t *Table) Plan(node models.Node, signal models.Signal) (models.ActionType, map[string]any) {
	action := t.Route(node.Label)
	switch action {
	case models.ActionCreateIssue:
		return action, map[string]any{
			"summary":     "[Auto] " + node.Label,
			"description": "Triggered automatically by signal:\n" + signal.Text,
			"labels":      []string{"auto-pilot"},
		}
	default:
		return action, map[string]any{
			"message": fmt.Sprintf("Auto-Pilot executed: '%s' triggered by incoming signal.", node.Label),
		}
	}
}
