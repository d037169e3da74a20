package store

import (
	"database/sql"
	"encoding/json"
	"reflect"
	"time"

	"github.com/botcareu/botcareu-core/internal/notify"
)

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalNullable encodes v as JSON, or NULL when v is an empty map or slice.
func marshalNullable(v any) (sql.NullString, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || ((rv.Kind() == reflect.Map || rv.Kind() == reflect.Slice) && rv.Len() == 0) {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func marshalReasons(reasons []string) (sql.NullString, error) {
	return marshalNullable(reasons)
}

func auditDetails(in *notify.Intent) map[string]any {
	channels := make(map[string]any, len(in.Attempts))
	for _, a := range attemptList(in) {
		entry := map[string]any{"attempts": a.Attempts, "sent": a.Sent}
		if a.LastError != "" {
			entry["last_error"] = a.LastError
		}
		channels[string(a.Channel)] = entry
	}
	return map[string]any{
		"alert_type":  string(in.Type),
		"device_id":   in.DeviceID,
		"retry_count": in.RetryCount,
		"channels":    channels,
	}
}
