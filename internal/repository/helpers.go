package repository

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/google/uuid"

	"signal-autopilot/pkg/models"
)

const defaultSnippetSource = "knowledge_base"

func newID() string {
	return uuid.New().String()
}

func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	return b, nil
}

func unmarshalMap(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return m, nil
}

// runKey returns the idempotency key stored on the run row. Dry runs never
// claim the key so a later live delivery is still evaluated.
func runKey(run *models.Run) *string {
	if run.DryRun {
		return nil
	}
	return nullIfEmpty(run.IdempotencyKey)
}

// snippetFrom builds a snippet with provenance taken from the item metadata.
func snippetFrom(id, content string, metadata map[string]any, score float64) models.Snippet {
	source := defaultSnippetSource
	if v, ok := metadata["source"].(string); ok && v != "" {
		source = v
	}
	ref := id
	if v, ok := metadata["filename"].(string); ok && v != "" {
		ref = v
	}
	return models.Snippet{Source: source, Ref: ref, Content: content, Score: score}
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func topSnippets(snippets []models.Snippet, limit int) []models.Snippet {
	sort.SliceStable(snippets, func(i, j int) bool {
		return snippets[i].Score > snippets[j].Score
	})
	if limit > 0 && len(snippets) > limit {
		snippets = snippets[:limit]
	}
	return snippets
}
