package codec

import (
	"github.com/goccy/go-json"
)

// Bind copies a value tree into v (a pointer to a Go value) through its JSON form, with
// the usual encoding/json field and type rules.
func Bind(tree any, v any) error {
	data, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
