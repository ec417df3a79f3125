package models

import (
	"time"
)

// RuleGraph is a team's workflow: nodes are candidate automated steps and
// edges only describe the process for display. At most one graph per team is active.
type RuleGraph struct {
	ID        string    `json:"id"`
	TeamID    string    `json:"team_id"`
	Title     string    `json:"title"`
	IsActive  bool      `json:"is_active"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
	CreatedAt time.Time `json:"created_at"`
}

// Node is a single step of a rule graph.
type Node struct {
	ID               string `json:"id"`
	StepID           string `json:"step_id"`
	Type             string `json:"type"`
	Label            string `json:"label"`
	Description      string `json:"description"`
	Actor            string `json:"actor,omitempty"`
	AutoPilotEnabled bool   `json:"auto_pilot_enabled"`
}

// Edge links two steps by their step ids.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// Candidates returns the nodes opted into autonomous execution.
func (g *RuleGraph) Candidates() []Node {
	if g == nil {
		return nil
	}
	var out []Node
	for _, n := range g.Nodes {
		if n.AutoPilotEnabled {
			out = append(out, n)
		}
	}
	return out
}

// Node looks up a node by id.
func (g *RuleGraph) Node(id string) (Node, bool) {
	if g == nil {
		return Node{}, false
	}
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
