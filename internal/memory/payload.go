package memory

import (
	"fmt"
	"time"
)

// standardPayloadKeys are the payload fields owned by the Unit schema.
// Any other key encountered at read time becomes part of the parsed
// record's Metadata, which keeps retrieval robust to schema drift.
var standardPayloadKeys = map[string]bool{
	"id":              true,
	"content":         true,
	"category":        true,
	"context_level":   true,
	"scope":           true,
	"project_name":    true,
	"importance":      true,
	"embedding_model": true,
	"created_at":      true,
	"updated_at":      true,
	"last_accessed":   true,
	"lifecycle_state": true,
	"tags":            true,
	"provenance":      true,
}

// Usage-tracking payload keys. Kept separate from Metadata so the
// lifecycle and trust layers can read them without guessing.
const (
	PayloadUsageFirstSeen = "usage_first_seen"
	PayloadUsageLastUsed  = "usage_last_used"
	PayloadUsageCount     = "usage_count"
	PayloadUsageLastScore = "usage_last_score"
)

// ToPayload converts a unit into the flat key/value map stored alongside
// its vector. Metadata entries are flattened into the top level; standard
// fields always win over metadata keys of the same name.
func (u *Unit) ToPayload() (map[string]any, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}

	payload := make(map[string]any, len(u.Metadata)+14)
	for k, v := range u.Metadata {
		payload[k] = v
	}

	payload["id"] = u.ID
	payload["content"] = u.Content
	payload["category"] = string(u.Category)
	payload["context_level"] = string(u.ContextLevel)
	payload["scope"] = string(u.Scope)
	if u.ProjectName != "" {
		payload["project_name"] = u.ProjectName
	}
	payload["importance"] = u.Importance
	payload["embedding_model"] = u.EmbeddingModel
	payload["created_at"] = u.CreatedAt.UTC().Format(time.RFC3339Nano)
	payload["updated_at"] = u.UpdatedAt.UTC().Format(time.RFC3339Nano)
	if !u.LastAccessed.IsZero() {
		payload["last_accessed"] = u.LastAccessed.UTC().Format(time.RFC3339Nano)
	}
	if u.Lifecycle != "" {
		payload["lifecycle_state"] = string(u.Lifecycle)
	}
	payload["tags"] = append([]string(nil), u.Tags...)
	payload["provenance"] = provenanceToMap(u.Provenance)

	return payload, nil
}

// UnitFromPayload parses a stored payload back into a Unit. Missing or
// malformed standard fields fall back to safe defaults where the schema
// allows it; a payload with no id or content is rejected.
func UnitFromPayload(payload map[string]any) (*Unit, error) {
	id, _ := payload["id"].(string)
	content, _ := payload["content"].(string)
	if id == "" || content == "" {
		return nil, fmt.Errorf("%w: payload missing id or content", ErrValidation)
	}

	u := &Unit{
		ID:             id,
		Content:        content,
		Category:       CategoryContext,
		ContextLevel:   ContextProjectContext,
		Scope:          ScopeGlobal,
		Importance:     0.5,
		EmbeddingModel: payloadString(payload, "embedding_model"),
		Metadata:       make(map[string]any),
	}

	if c, err := ParseCategory(payloadString(payload, "category")); err == nil {
		u.Category = c
	}
	if l, err := ParseContextLevel(payloadString(payload, "context_level")); err == nil {
		u.ContextLevel = l
	}
	if s, err := ParseScope(payloadString(payload, "scope")); err == nil {
		u.Scope = s
	}
	u.ProjectName = payloadString(payload, "project_name")
	if imp, ok := payloadFloat(payload, "importance"); ok {
		u.Importance = imp
	}
	u.CreatedAt = payloadTime(payload, "created_at")
	u.UpdatedAt = payloadTime(payload, "updated_at")
	u.LastAccessed = payloadTime(payload, "last_accessed")
	if ls := payloadString(payload, "lifecycle_state"); ls != "" {
		u.Lifecycle = LifecycleState(ls)
	}
	u.Tags = payloadStrings(payload, "tags")

	if prov, ok := payload["provenance"].(map[string]any); ok {
		u.Provenance = provenanceFromMap(prov)
	}

	for k, v := range payload {
		if !standardPayloadKeys[k] {
			u.Metadata[k] = v
		}
	}

	return u, nil
}

// UsageFromPayload extracts the usage record embedded in a payload, if
// any tracking keys are present.
func UsageFromPayload(payload map[string]any) (UsageRecord, bool) {
	_, tracked := payload[PayloadUsageCount]
	rec := UsageRecord{
		FirstSeen: payloadTime(payload, PayloadUsageFirstSeen),
		LastUsed:  payloadTime(payload, PayloadUsageLastUsed),
	}
	if n, ok := payloadFloat(payload, PayloadUsageCount); ok {
		rec.UseCount = int(n)
	}
	if s, ok := payloadFloat(payload, PayloadUsageLastScore); ok {
		rec.LastSearchScore = s
	}
	return rec, tracked
}

// UsageToPayload returns the payload fields for a usage record.
func UsageToPayload(rec UsageRecord) map[string]any {
	out := map[string]any{
		PayloadUsageLastUsed:  rec.LastUsed.UTC().Format(time.RFC3339Nano),
		PayloadUsageCount:     rec.UseCount,
		PayloadUsageLastScore: rec.LastSearchScore,
	}
	if !rec.FirstSeen.IsZero() {
		out[PayloadUsageFirstSeen] = rec.FirstSeen.UTC().Format(time.RFC3339Nano)
	}
	return out
}

func provenanceToMap(p Provenance) map[string]any {
	m := map[string]any{
		"source":     string(p.Source),
		"created_by": p.CreatedBy,
		"confidence": p.Confidence,
		"verified":   p.Verified,
	}
	if p.LastConfirmed != nil {
		m["last_confirmed"] = p.LastConfirmed.UTC().Format(time.RFC3339Nano)
	}
	if p.ConversationID != "" {
		m["conversation_id"] = p.ConversationID
	}
	if len(p.FileContext) > 0 {
		m["file_context"] = append([]string(nil), p.FileContext...)
	}
	if p.Notes != "" {
		m["notes"] = p.Notes
	}
	return m
}

func provenanceFromMap(m map[string]any) Provenance {
	p := Provenance{
		Source:    SourceLegacy,
		CreatedBy: payloadString(m, "created_by"),
	}
	if src, err := ParseProvenanceSource(payloadString(m, "source")); err == nil {
		p.Source = src
	}
	if c, ok := payloadFloat(m, "confidence"); ok {
		p.Confidence = c
	}
	if v, ok := m["verified"].(bool); ok {
		p.Verified = v
	}
	if t := payloadTime(m, "last_confirmed"); !t.IsZero() {
		p.LastConfirmed = &t
	}
	p.ConversationID = payloadString(m, "conversation_id")
	p.FileContext = payloadStrings(m, "file_context")
	p.Notes = payloadString(m, "notes")
	return p
}

func payloadString(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

func payloadFloat(payload map[string]any, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func payloadTime(payload map[string]any, key string) time.Time {
	s, ok := payload[key].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, s); err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

func payloadStrings(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
