package semantic

import (
	"strconv"
	"time"

	pb "github.com/qdrant/go-client/qdrant"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
)

// Payload keys. location is stored as {lat, lon} so Qdrant's geo index can
// serve radius filters.
const (
	keyText         = "text"
	keyName         = "name"
	keyCategory     = "category"
	keyLocation     = "location"
	keySeverity     = "severity"
	keySource       = "source"
	keyModelVersion = "model_version"
	keyCreatedAt    = "created_at"
)

func str(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

func num(f float64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_DoubleValue{DoubleValue: f}}
}

func toPayload(s domain.Signal) map[string]*pb.Value {
	p := map[string]*pb.Value{
		keyText:         str(s.Text),
		keyCategory:     str(string(s.Category)),
		keySource:       str(s.Source),
		keyModelVersion: str(s.ModelVersion),
		keyCreatedAt:    str(s.CreatedAt.UTC().Format(time.RFC3339Nano)),
		keyLocation: {Kind: &pb.Value_StructValue{StructValue: &pb.Struct{Fields: map[string]*pb.Value{
			"lat": num(s.Location.Lat),
			"lon": num(s.Location.Lng),
		}}}},
	}
	if s.Name != "" {
		p[keyName] = str(s.Name)
	}
	if s.Severity != "" {
		p[keySeverity] = str(string(s.Severity))
	}
	return p
}

// numeric reads a number that may have been stored as double or integer.
func numeric(v *pb.Value) float64 {
	if v == nil {
		return 0
	}
	if _, ok := v.GetKind().(*pb.Value_IntegerValue); ok {
		return float64(v.GetIntegerValue())
	}
	return v.GetDoubleValue()
}

func fromPayload(id *pb.PointId, p map[string]*pb.Value) domain.Signal {
	s := domain.Signal{
		ID:           pointID(id),
		Text:         p[keyText].GetStringValue(),
		Name:         p[keyName].GetStringValue(),
		Category:     domain.Category(p[keyCategory].GetStringValue()),
		Severity:     domain.Severity(p[keySeverity].GetStringValue()),
		Source:       p[keySource].GetStringValue(),
		ModelVersion: p[keyModelVersion].GetStringValue(),
	}
	if loc := p[keyLocation].GetStructValue(); loc != nil {
		s.Location = domain.GeoPoint{Lat: numeric(loc.GetFields()["lat"]), Lng: numeric(loc.GetFields()["lon"])}
	}
	if ts := p[keyCreatedAt].GetStringValue(); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			s.CreatedAt = t
		}
	}
	return s
}

func pointID(id *pb.PointId) string {
	if u := id.GetUuid(); u != "" {
		return u
	}
	if n := id.GetNum(); n != 0 {
		return strconv.FormatUint(n, 10)
	}
	return ""
}

func fieldMatch(key, value string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key:   key,
				Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: value}},
			},
		},
	}
}

func fieldAnyOf(key string, values []string) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: key,
				Match: &pb.Match{MatchValue: &pb.Match_Keywords{
					Keywords: &pb.RepeatedStrings{Strings: values},
				}},
			},
		},
	}
}

func geoRadius(center domain.GeoPoint, meters float64) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: keyLocation,
				GeoRadius: &pb.GeoRadius{
					Center: &pb.GeoPoint{Lat: center.Lat, Lon: center.Lng},
					Radius: float32(meters),
				},
			},
		},
	}
}
