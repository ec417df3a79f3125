// Package models defines the domain models for the auto-pilot service
package models

import (
	"time"
)

// Signal is a normalized unit of activity observed in an external tool.
// Signals are immutable once ingested and unique per team by (Source, ExternalID).
type Signal struct {
	ID         string         `json:"id"`
	TeamID     string         `json:"team_id"`
	Source     string         `json:"source"`
	ExternalID string         `json:"external_id"`
	Actor      string         `json:"actor"`
	Text       string         `json:"text"`
	OccurredAt time.Time      `json:"occurred_at"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// MatchResult is the outcome of scoring a signal against the candidate nodes.
// An empty NodeID means no node matched.
type MatchResult struct {
	NodeID     string  `json:"matched_node_id,omitempty"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Matched reports whether a candidate node was selected.
func (m MatchResult) Matched() bool {
	return m.NodeID != ""
}

// Candidate is the view of a node sent to the classification service.
type Candidate struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

// ClassificationRequest is the decision request sent to the classification service.
type ClassificationRequest struct {
	SignalText string      `json:"signal_text"`
	Candidates []Candidate `json:"candidates"`
	Context    []Snippet   `json:"context"`
}

// Classification is the structured answer expected back from the classification service.
// The service is untrusted; every field is re-validated by the matcher.
type Classification struct {
	Match      bool    `json:"match"`
	NodeID     *string `json:"node_id"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Snippet is a short piece of supporting knowledge with its provenance.
type Snippet struct {
	Source  string  `json:"source"`
	Ref     string  `json:"ref"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

// KnowledgeItem is a stored knowledge base entry.
type KnowledgeItem struct {
	ID        string         `json:"id"`
	TeamID    string         `json:"team_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ActionType identifies the side effect the dispatcher performs.
type ActionType string

const (
	ActionSendNotification ActionType = "send_notification"
	ActionCreateIssue      ActionType = "create_issue"
)

// ActionResult is the structured outcome reported by the dispatcher.
type ActionResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Error   string         `json:"error,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// HealthStatus represents service health
type HealthStatus struct {
	Status    string            `json:"status"`
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}
