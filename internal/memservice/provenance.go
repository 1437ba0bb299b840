package memservice

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// VerifyMemory sets the verification flag on a record, appends a dated
// note, stamps last_confirmed, and on verify boosts confidence by 0.15
// capped at 1.0. Unverifying clears the flag but does not lower
// confidence.
func (s *Service) VerifyMemory(ctx context.Context, id string, verified bool, notes string) (*memory.Unit, error) {
	unit, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	unit.Provenance.Verified = verified
	unit.Provenance.LastConfirmed = &now
	if verified {
		unit.Provenance.Confidence = clamp01(unit.Provenance.Confidence + 0.15)
	}
	if notes != "" {
		entry := fmt.Sprintf("[%s] %s", now.Format(time.RFC3339), notes)
		if unit.Provenance.Notes != "" {
			unit.Provenance.Notes += "\n" + entry
		} else {
			unit.Provenance.Notes = entry
		}
	}
	unit.UpdatedAt = now

	payload, err := unit.ToPayload()
	if err != nil {
		return nil, err
	}
	ok, err := s.store.Update(ctx, id, payload)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", memory.ErrMemoryNotFound, id)
	}

	s.logger.Info("memory verification updated",
		zap.String("id", id),
		zap.Bool("verified", verified),
		zap.Float64("confidence", unit.Provenance.Confidence))
	return unit, nil
}

// RecomputeConfidence is the pure confidence function of record state:
// start from the stored provenance confidence, decay by age (x0.9 past
// 180 days, x0.8 past 365), add 0.15 when verified, 0.10 when
// last_confirmed is within 30 days, 0.05 when metadata access_count
// exceeds 10, clamp to [0, 1].
func RecomputeConfidence(u *memory.Unit, now time.Time) float64 {
	confidence := u.Provenance.Confidence

	ageDays := int(now.Sub(u.CreatedAt).Hours() / 24)
	if ageDays > 365 {
		confidence *= 0.8
	} else if ageDays > 180 {
		confidence *= 0.9
	}

	if u.Provenance.Verified {
		confidence += 0.15
	}
	if u.Provenance.LastConfirmed != nil && now.Sub(*u.Provenance.LastConfirmed) < 30*24*time.Hour {
		confidence += 0.10
	}
	if accessCountFromMetadata(u.Metadata) > 10 {
		confidence += 0.05
	}

	return clamp01(confidence)
}

// LowConfidenceMemories returns records whose recomputed confidence is
// below threshold, sorted ascending by confidence.
func (s *Service) LowConfidenceMemories(ctx context.Context, threshold float64, limit int) ([]*memory.Unit, error) {
	now := time.Now().UTC()
	var out []*memory.Unit
	err := s.store.Scroll(ctx, nil, func(payload map[string]any) error {
		unit, err := memory.UnitFromPayload(payload)
		if err != nil {
			return nil
		}
		if RecomputeConfidence(unit, now) < threshold {
			out = append(out, unit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortByConfidence(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UnverifiedMemories returns unverified records older than minAge,
// oldest first.
func (s *Service) UnverifiedMemories(ctx context.Context, minAge time.Duration, limit int) ([]*memory.Unit, error) {
	cutoff := time.Now().UTC().Add(-minAge)
	var out []*memory.Unit
	err := s.store.Scroll(ctx, nil, func(payload map[string]any) error {
		unit, err := memory.UnitFromPayload(payload)
		if err != nil {
			return nil
		}
		if !unit.Provenance.Verified && unit.CreatedAt.Before(cutoff) {
			out = append(out, unit)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortByCreated(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
