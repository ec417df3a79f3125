package services

import (
	"context"

	"signal-autopilot/pkg/models"
)

// EmbeddingClient turns text into a vector for knowledge search.
type EmbeddingClient interface {
	// GetEmbedding returns the embedding for a given text.
	GetEmbedding(ctx context.Context, text string) ([]float32, error)
}

// ClassificationClient asks the classification service which candidate node,
// if any, a signal should trigger.
type ClassificationClient interface {
	Classify(ctx context.Context, req models.ClassificationRequest) (*models.Classification, error)
}
