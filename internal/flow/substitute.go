package flow

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Substitute replaces every {{key}} marker in text with the text form of ctx[key].
//
// Keys are processed in ascending order. Markers whose key is missing from ctx, or whose value has no
// text form (see TextValue), are left verbatim. No escaping is performed.
func Substitute(text string, ctx map[string]any) string {
	if text == "" || len(ctx) == 0 {
		return text
	}
	for _, key := range sortedKeys(ctx) {
		value, ok := TextValue(ctx[key])
		if !ok {
			continue
		}
		text = strings.ReplaceAll(text, "{{"+key+"}}", value)
	}
	return text
}

// TextValue returns the text form of a context value. Strings, booleans, integers, floats and
// fmt.Stringer values are representable; anything else (nil, maps, slices, structs) is not.
func TextValue(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case bool:
		return strconv.FormatBool(val), true
	case int:
		return strconv.Itoa(val), true
	case int8, int16, int32, int64:
		return fmt.Sprintf("%d", val), true
	case uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", val), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case fmt.Stringer:
		return val.String(), true
	default:
		return "", false
	}
}

// unrepresentableKeys lists the keys of ctx whose values have no text form, in ascending order.
func unrepresentableKeys(ctx map[string]any) []string {
	var keys []string
	for _, key := range sortedKeys(ctx) {
		if _, ok := TextValue(ctx[key]); !ok {
			keys = append(keys, key)
		}
	}
	return keys
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
