package vectorstore

import (
	"fmt"

	"github.com/qdrant/go-client/qdrant"

	"github.com/emmilco/claude-memory-server-sub004/internal/memory"
)

// payloadToQdrant converts a flat payload map into Qdrant values.
// Nested maps (provenance) and string lists (tags, file_context) are
// preserved as struct and list values.
func payloadToQdrant(payload map[string]any) (map[string]*qdrant.Value, error) {
	out := make(map[string]*qdrant.Value, len(payload))
	for k, v := range payload {
		qv, err := toQdrantValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: payload field %q: %v", memory.ErrValidation, k, err)
		}
		out[k] = qv
	}
	return out, nil
}

func toQdrantValue(v any) (*qdrant.Value, error) {
	switch val := v.(type) {
	case nil:
		return &qdrant.Value{Kind: &qdrant.Value_NullValue{}}, nil
	case string:
		return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: val}}, nil
	case bool:
		return &qdrant.Value{Kind: &qdrant.Value_BoolValue{BoolValue: val}}, nil
	case int:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: int64(val)}}, nil
	case int64:
		return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: val}}, nil
	case float32:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: float64(val)}}, nil
	case float64:
		return &qdrant.Value{Kind: &qdrant.Value_DoubleValue{DoubleValue: val}}, nil
	case []string:
		values := make([]*qdrant.Value, len(val))
		for i, s := range val {
			values[i] = &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}, nil
	case []any:
		values := make([]*qdrant.Value, len(val))
		for i, e := range val {
			qv, err := toQdrantValue(e)
			if err != nil {
				return nil, err
			}
			values[i] = qv
		}
		return &qdrant.Value{Kind: &qdrant.Value_ListValue{ListValue: &qdrant.ListValue{Values: values}}}, nil
	case map[string]any:
		fields := make(map[string]*qdrant.Value, len(val))
		for k, e := range val {
			qv, err := toQdrantValue(e)
			if err != nil {
				return nil, err
			}
			fields[k] = qv
		}
		return &qdrant.Value{Kind: &qdrant.Value_StructValue{StructValue: &qdrant.Struct{Fields: fields}}}, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// payloadFromQdrant converts Qdrant values back into a flat payload map.
func payloadFromQdrant(payload map[string]*qdrant.Value) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = fromQdrantValue(v)
	}
	return out
}

func fromQdrantValue(v *qdrant.Value) any {
	if v == nil {
		return nil
	}
	switch val := v.Kind.(type) {
	case *qdrant.Value_StringValue:
		return val.StringValue
	case *qdrant.Value_BoolValue:
		return val.BoolValue
	case *qdrant.Value_IntegerValue:
		return val.IntegerValue
	case *qdrant.Value_DoubleValue:
		return val.DoubleValue
	case *qdrant.Value_ListValue:
		out := make([]any, len(val.ListValue.GetValues()))
		for i, e := range val.ListValue.GetValues() {
			out[i] = fromQdrantValue(e)
		}
		return out
	case *qdrant.Value_StructValue:
		out := make(map[string]any, len(val.StructValue.GetFields()))
		for k, e := range val.StructValue.GetFields() {
			out[k] = fromQdrantValue(e)
		}
		return out
	default:
		return nil
	}
}

// buildQdrantFilter translates the structured filter language into a
// Qdrant conjunction. Every tag joins as a separate must condition.
func buildQdrantFilter(f *memory.SearchFilters) *qdrant.Filter {
	if f.Empty() {
		return nil
	}

	var conditions []*qdrant.Condition
	keyword := func(key, value string) {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key: key,
					Match: &qdrant.Match{
						MatchValue: &qdrant.Match_Keyword{Keyword: value},
					},
				},
			},
		})
	}

	if f.ContextLevel != "" {
		keyword("context_level", string(f.ContextLevel))
	}
	if f.Scope != "" {
		keyword("scope", string(f.Scope))
	}
	if f.Category != "" {
		keyword("category", string(f.Category))
	}
	if f.ProjectName != "" {
		keyword("project_name", f.ProjectName)
	}
	if f.MinImportance > 0 {
		conditions = append(conditions, &qdrant.Condition{
			ConditionOneOf: &qdrant.Condition_Field{
				Field: &qdrant.FieldCondition{
					Key:   "importance",
					Range: &qdrant.Range{Gte: qdrant.PtrOf(f.MinImportance)},
				},
			},
		})
	}
	for _, tag := range f.Tags {
		keyword("tags", tag)
	}

	if len(conditions) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: conditions}
}
