package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"signal-autopilot/internal/repository"
	"signal-autopilot/pkg/models"
)

const idempotencyDomain = "signal-autopilot/idempotency/v1"

// IdempotencyKey fingerprints a signal by team, source, external id (or id)
// and text. Fields are separated by NUL bytes so no two field tuples share a
// preimage.
func IdempotencyKey(teamID string, s models.Signal) string {
	external := s.ExternalID
	if external == "" {
		external = s.ID
	}
	h := sha256.New()
	for _, part := range []string{idempotencyDomain, teamID, s.Source, external, s.Text} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Guard detects signals that were already evaluated live.
type Guard struct {
	runs repository.RunStore
}

// NewGuard creates a Guard over the audit log.
func NewGuard(runs repository.RunStore) *Guard {
	return &Guard{runs: runs}
}

// Seen reports whether a live run already claimed key. A lookup failure is
// returned as a storage Failure and the caller decides how to proceed.
func (g *Guard) Seen(ctx context.Context, teamID, key string) (bool, error) {
	_, err := g.runs.FindRunByIdempotencyKey(ctx, teamID, models.TriggerSignalEvaluation, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, repository.ErrNotFound):
		return false, nil
	default:
		return false, fail(KindStorage, err)
	}
}
