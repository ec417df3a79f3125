package services

import (
	"context"
	"errors"
	"strings"

	"signal-autopilot/internal/repository"
	"signal-autopilot/pkg/models"
)

// ErrEmptyText is returned when there is nothing to embed.
var ErrEmptyText = errors.New("empty text")

const defaultContextLimit = 3

// ContextRetriever looks up supporting knowledge for a signal and captures new
// knowledge from ingested messages.
type ContextRetriever struct {
	store    repository.KnowledgeStore
	embedder EmbeddingClient
	limit    int
}

// NewContextRetriever creates a new ContextRetriever. A non-positive limit
// falls back to three snippets.
func NewContextRetriever(store repository.KnowledgeStore, embedder EmbeddingClient, limit int) *ContextRetriever {
	if limit <= 0 {
		limit = defaultContextLimit
	}
	return &ContextRetriever{
		store:    store,
		embedder: embedder,
		limit:    limit,
	}
}

// Retrieve returns up to limit snippets closest to text.
func (r *ContextRetriever) Retrieve(ctx context.Context, teamID, text string) ([]models.Snippet, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	embedding, err := r.embedder.GetEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	return r.store.SearchKnowledge(ctx, teamID, embedding, r.limit)
}

// Remember stores content in the team's knowledge base.
func (r *ContextRetriever) Remember(ctx context.Context, teamID, content string, metadata map[string]any) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyText
	}
	embedding, err := r.embedder.GetEmbedding(ctx, content)
	if err != nil {
		return "", err
	}
	return r.store.AddKnowledge(ctx, teamID, content, embedding, metadata)
}
