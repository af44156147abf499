package instrument

import "strings"

const placeholder = "{}"

// RenderLog substitutes each {} in format with the value of the next
// argument, looked up in vars. Missing variables render as "null"; surplus
// placeholders are left as-is.
func RenderLog(format string, args []string, vars map[string]Variable) LogRecord {
	record := LogRecord{
		Format:    format,
		Arguments: make(map[string]string, len(args)),
	}

	var b strings.Builder
	rest := format
	for _, name := range args {
		idx := strings.Index(rest, placeholder)
		if idx < 0 {
			break
		}
		value := "null"
		if v, ok := vars[name]; ok && !v.IsNull {
			value = v.Value
		}
		record.Arguments[name] = value

		b.WriteString(rest[:idx])
		b.WriteString(value)
		rest = rest[idx+len(placeholder):]
	}
	b.WriteString(rest)

	record.Message = b.String()
	return record
}
