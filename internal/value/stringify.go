package value

import (
	"strconv"
	"strings"
)

// Stringify renders v the way `to_str` and implicit string-concatenation
// coercion (`"x" + v`, §8 scenario 6) do: every variant reduces to a
// plain display string, with an Error collapsing to its bare message
// rather than a wrapped diagnostic form.
func Stringify(v Value) string {
	switch {
	case v.IsNull():
		return "null"
	case v.Kind() == KindBool:
		if v.AsBool() {
			return "true"
		}
		return "false"
	case v.Kind() == KindNumber:
		return strconv.FormatFloat(v.AsNumber(), 'g', -1, 64)
	case v.IsString():
		return v.Object().Str.Str
	case v.IsArray():
		elems := v.Object().Arr.Elems
		parts := make([]string, len(elems))
		for i, e := range elems {
			parts[i] = Stringify(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case v.IsMap():
		m := v.Object().Map
		parts := make([]string, len(m.Keys))
		for i := range m.Keys {
			parts[i] = Stringify(m.Keys[i]) + ": " + Stringify(m.Vals[i])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case v.IsError():
		return v.Object().Err.Message
	case v.IsFunction():
		return "<function>"
	}
	return v.TypeName()
}
