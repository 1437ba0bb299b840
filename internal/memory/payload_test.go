package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleUnit() *Unit {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	confirmed := now.Add(-24 * time.Hour)
	return &Unit{
		ID:           "9b1deb4d-3b7d-4bad-9bdd-2b0d7b3dcb6d",
		Content:      "User prefers Python for backend development",
		Category:     CategoryPreference,
		ContextLevel: ContextUserPreference,
		Scope:        ScopeGlobal,
		Importance:   0.9,
		Tags:         []string{"python", "backend"},
		Metadata:     map[string]any{"topic": "languages"},
		CreatedAt:    now,
		UpdatedAt:    now,
		LastAccessed: now,
		Provenance: Provenance{
			Source:        SourceUserExplicit,
			CreatedBy:     "user_statement",
			Confidence:    0.9,
			Verified:      true,
			LastConfirmed: &confirmed,
			FileContext:   []string{"notes.md"},
		},
		EmbeddingModel: "all-MiniLM-L6-v2",
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	unit := sampleUnit()

	payload, err := unit.ToPayload()
	require.NoError(t, err)

	parsed, err := UnitFromPayload(payload)
	require.NoError(t, err)

	assert.Equal(t, unit.ID, parsed.ID)
	assert.Equal(t, unit.Content, parsed.Content)
	assert.Equal(t, unit.Category, parsed.Category)
	assert.Equal(t, unit.ContextLevel, parsed.ContextLevel)
	assert.Equal(t, unit.Scope, parsed.Scope)
	assert.Equal(t, unit.Importance, parsed.Importance)
	assert.Equal(t, unit.Tags, parsed.Tags)
	assert.Equal(t, "languages", parsed.Metadata["topic"])
	assert.True(t, unit.CreatedAt.Equal(parsed.CreatedAt))
	assert.Equal(t, unit.Provenance.Source, parsed.Provenance.Source)
	assert.Equal(t, unit.Provenance.Confidence, parsed.Provenance.Confidence)
	assert.True(t, parsed.Provenance.Verified)
	require.NotNil(t, parsed.Provenance.LastConfirmed)
	assert.True(t, unit.Provenance.LastConfirmed.Equal(*parsed.Provenance.LastConfirmed))
}

func TestPayloadUnknownKeysBecomeMetadata(t *testing.T) {
	unit := sampleUnit()
	payload, err := unit.ToPayload()
	require.NoError(t, err)

	payload["some_future_field"] = "value"
	parsed, err := UnitFromPayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "value", parsed.Metadata["some_future_field"])
}

func TestPayloadRejectsMissingIdentity(t *testing.T) {
	_, err := UnitFromPayload(map[string]any{"content": "x"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = UnitFromPayload(map[string]any{"id": "abc"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUnitValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Unit)
	}{
		{"empty content", func(u *Unit) { u.Content = "   " }},
		{"bad category", func(u *Unit) { u.Category = "nonsense" }},
		{"bad context level", func(u *Unit) { u.ContextLevel = "WHATEVER" }},
		{"project scope without name", func(u *Unit) { u.Scope = ScopeProject; u.ProjectName = "" }},
		{"importance above one", func(u *Unit) { u.Importance = 1.5 }},
		{"importance below zero", func(u *Unit) { u.Importance = -0.1 }},
		{"timestamp before range", func(u *Unit) { u.CreatedAt = time.Date(1890, 1, 1, 0, 0, 0, 0, time.UTC) }},
		{"timestamp after range", func(u *Unit) { u.UpdatedAt = time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit := sampleUnit()
			tt.mutate(unit)
			assert.ErrorIs(t, unit.Validate(), ErrValidation)
		})
	}

	assert.NoError(t, sampleUnit().Validate())
}

func TestUsagePayloadRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	rec := UsageRecord{FirstSeen: now.Add(-time.Hour), LastUsed: now, UseCount: 7, LastSearchScore: 0.83}

	payload := UsageToPayload(rec)
	parsed, tracked := UsageFromPayload(payload)
	assert.True(t, tracked)
	assert.Equal(t, 7, parsed.UseCount)
	assert.Equal(t, 0.83, parsed.LastSearchScore)
	assert.True(t, rec.LastUsed.Equal(parsed.LastUsed))

	_, tracked = UsageFromPayload(map[string]any{})
	assert.False(t, tracked)
}

func TestParseEnums(t *testing.T) {
	_, err := ParseCategory("preference")
	assert.NoError(t, err)
	_, err = ParseCategory("PREFERENCE")
	assert.Error(t, err)

	_, err = ParseProvenanceSource("claude_inferred")
	assert.NoError(t, err)
	_, err = ParseRepositoryStatus("indexing")
	assert.NoError(t, err)
	_, err = ParseRepositoryType("multi_repo")
	assert.NoError(t, err)
}
