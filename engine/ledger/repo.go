package ledger

import (
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/GLYSATVIK/VibeWalk/engine/domain"
)

// created_ms is stored as epoch milliseconds so ORDER BY sorts numerically.
func entryToMap(e Entry) map[string]any {
	return map[string]any{
		"id":            e.ID,
		"text":          e.Text,
		"category":      string(e.Category),
		"severity":      string(e.Severity),
		"source":        e.Source,
		"lat":           e.Lat,
		"lng":           e.Lng,
		"model_version": e.ModelVersion,
		"created_ms":    e.CreatedAt.UnixMilli(),
	}
}

func entryFromRecord(rec *neo4j.Record) (Entry, error) {
	props, _, err := neo4j.GetRecordValue[map[string]any](rec, "n")
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		ID:           strProp(props, "id"),
		Text:         strProp(props, "text"),
		Category:     domain.Category(strProp(props, "category")),
		Severity:     domain.Severity(strProp(props, "severity")),
		Source:       strProp(props, "source"),
		Lat:          floatProp(props, "lat"),
		Lng:          floatProp(props, "lng"),
		ModelVersion: strProp(props, "model_version"),
	}
	if ms, ok := props["created_ms"].(int64); ok {
		e.CreatedAt = time.UnixMilli(ms).UTC()
	}
	return e, nil
}

func strProp(props map[string]any, key string) string {
	if s, ok := props[key].(string); ok {
		return s
	}
	return ""
}

func floatProp(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}
