package trigger

import (
	"strconv"
	"strings"

	"github.com/chess-equality/sourceplusplus/pkg/instrument"
)

// Env converts captured variables into the environment conditions are
// evaluated against. Scalars become Go numbers, booleans and strings;
// structs and maps become nested maps; arrays become slices.
func Env(vars map[string]instrument.Variable) map[string]any {
	env := make(map[string]any, len(vars))
	for name, v := range vars {
		env[name] = native(v)
	}
	return env
}

func native(v instrument.Variable) any {
	if v.IsNull {
		return nil
	}
	if v.ArrayElements != nil {
		out := make([]any, 0, len(v.ArrayElements))
		for _, element := range v.ArrayElements {
			out = append(out, native(element))
		}
		return out
	}
	if v.Children != nil {
		return Env(v.Children)
	}

	typ := strings.ToLower(v.Type)
	switch {
	case typ == "string" || strings.HasSuffix(typ, ".string"):
		return v.Value
	case typ == "bool" || typ == "boolean" || strings.HasSuffix(typ, ".boolean"):
		if b, err := strconv.ParseBool(v.Value); err == nil {
			return b
		}
	case strings.Contains(typ, "float") || strings.Contains(typ, "double"):
		if f, err := strconv.ParseFloat(v.Value, 64); err == nil {
			return f
		}
	case strings.Contains(typ, "int") || strings.Contains(typ, "long") || strings.Contains(typ, "short"):
		if i, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			return int(i)
		}
	}

	if i, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(v.Value, 64); err == nil {
		return f
	}
	return v.Value
}
