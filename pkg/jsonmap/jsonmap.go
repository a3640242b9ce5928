package jsonmap

import (
	"fmt"
	"strconv"

	"gorm.io/datatypes"
)

// FromStringMap converts a string map into a GORM JSON map value.
func FromStringMap(values map[string]string) datatypes.JSONMap {
	if len(values) == 0 {
		return datatypes.JSONMap{}
	}

	out := datatypes.JSONMap{}
	for key, value := range values {
		out[key] = value
	}
	return out
}

// Clone returns a shallow copy of values that is never nil.
func Clone(values datatypes.JSONMap) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}

// String returns the value stored at key rendered as a string.
func String(values datatypes.JSONMap, key string) string {
	raw, ok := values[key]
	if !ok || raw == nil {
		return ""
	}
	if str, ok := raw.(string); ok {
		return str
	}
	return fmt.Sprint(raw)
}

// Bool interprets the value stored at key as a boolean. JSON round trips
// turn numbers into float64, and option tables store "1"/"0".
func Bool(values datatypes.JSONMap, key string) bool {
	switch v := values[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(v)
		return err == nil && b
	case float64:
		return v != 0
	case int:
		return v != 0
	default:
		return false
	}
}

// Int interprets the value stored at key as an integer, falling back to def.
func Int(values datatypes.JSONMap, key string, def int) int {
	switch v := values[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
