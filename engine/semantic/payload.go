package semantic

import (
	"fmt"

	pb "github.com/qdrant/go-client/qdrant"
)

// encodePayload converts a typed payload into Qdrant values. Optional string
// fields are omitted when empty so equality filters never match "".
func encodePayload(p ChunkPayload) map[string]*pb.Value {
	out := map[string]*pb.Value{
		KeyChunkText:  stringValue(p.ChunkText),
		KeyChunkIndex: {Kind: &pb.Value_IntegerValue{IntegerValue: int64(p.ChunkIndex)}},
	}
	if p.SourceID != "" {
		out[KeySourceID] = stringValue(p.SourceID)
	}
	if p.RestaurantID != "" {
		out[KeyRestaurantID] = stringValue(p.RestaurantID)
	}
	tags := make([]any, len(p.Tags))
	for i, t := range p.Tags {
		tags[i] = t
	}
	out[KeyTags] = toValue(tags)
	extras := make(map[string]any, len(p.Extras))
	for k, v := range p.Extras {
		extras[k] = v
	}
	out[KeyExtras] = toValue(extras)
	return out
}

// decodePayload is the inverse of encodePayload. Unknown top-level keys, such
// as those written by older ingestion tools, are folded into Extras.
func decodePayload(in map[string]*pb.Value) ChunkPayload {
	var p ChunkPayload
	for k, v := range in {
		switch k {
		case KeyChunkText:
			p.ChunkText = v.GetStringValue()
		case KeyChunkIndex:
			switch kind := v.GetKind().(type) {
			case *pb.Value_IntegerValue:
				p.ChunkIndex = int(kind.IntegerValue)
			case *pb.Value_DoubleValue:
				p.ChunkIndex = int(kind.DoubleValue)
			}
		case KeySourceID:
			p.SourceID = v.GetStringValue()
		case KeyRestaurantID:
			p.RestaurantID = v.GetStringValue()
		case KeyTags:
			for _, t := range v.GetListValue().GetValues() {
				if s := t.GetStringValue(); s != "" {
					p.Tags = append(p.Tags, s)
				}
			}
		case KeyExtras:
			if m, ok := fromValue(v).(map[string]any); ok {
				if p.Extras == nil {
					p.Extras = make(map[string]any, len(m))
				}
				for ek, ev := range m {
					p.Extras[ek] = ev
				}
			}
		default:
			if p.Extras == nil {
				p.Extras = make(map[string]any)
			}
			p.Extras[k] = fromValue(v)
		}
	}
	return p
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func toValue(val any) *pb.Value {
	switch tv := val.(type) {
	case nil:
		return &pb.Value{Kind: &pb.Value_NullValue{NullValue: pb.NullValue_NULL_VALUE}}
	case string:
		return stringValue(tv)
	case bool:
		return &pb.Value{Kind: &pb.Value_BoolValue{BoolValue: tv}}
	case int:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int32:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: int64(tv)}}
	case int64:
		return &pb.Value{Kind: &pb.Value_IntegerValue{IntegerValue: tv}}
	case float32:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: float64(tv)}}
	case float64:
		return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: tv}}
	case []string:
		vals := make([]*pb.Value, len(tv))
		for i, s := range tv {
			vals[i] = stringValue(s)
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: vals}}}
	case []any:
		vals := make([]*pb.Value, len(tv))
		for i, e := range tv {
			vals[i] = toValue(e)
		}
		return &pb.Value{Kind: &pb.Value_ListValue{ListValue: &pb.ListValue{Values: vals}}}
	case map[string]any:
		fields := make(map[string]*pb.Value, len(tv))
		for k, e := range tv {
			fields[k] = toValue(e)
		}
		return &pb.Value{Kind: &pb.Value_StructValue{StructValue: &pb.Struct{Fields: fields}}}
	default:
		return stringValue(fmt.Sprint(tv))
	}
}

func fromValue(v *pb.Value) any {
	switch kind := v.GetKind().(type) {
	case *pb.Value_StringValue:
		return kind.StringValue
	case *pb.Value_BoolValue:
		return kind.BoolValue
	case *pb.Value_IntegerValue:
		return kind.IntegerValue
	case *pb.Value_DoubleValue:
		return kind.DoubleValue
	case *pb.Value_ListValue:
		vals := kind.ListValue.GetValues()
		out := make([]any, len(vals))
		for i, e := range vals {
			out[i] = fromValue(e)
		}
		return out
	case *pb.Value_StructValue:
		fields := kind.StructValue.GetFields()
		out := make(map[string]any, len(fields))
		for k, e := range fields {
			out[k] = fromValue(e)
		}
		return out
	default:
		return nil
	}
}
