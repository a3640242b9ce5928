package jsonutil

import "encoding/json"

// Convert re-decodes value into T through its JSON form. It is used to read
// loosely typed JSON columns into typed structs.
func Convert[T any](value any) (T, error) {
	var out T
	buf, err := json.Marshal(value)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(buf, &out)
	return out, err
}
