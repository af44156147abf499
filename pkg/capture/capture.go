// Package capture converts live Go values and call stacks into the frames
// and variables carried by breakpoint hits.
package capture

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"unicode/utf8"

	"github.com/chess-equality/sourceplusplus/pkg/instrument"
)

const (
	maxFrames      = 50
	maxElements    = 100
	maxStringBytes = 1000
	maxFields      = 100
)

// Variables captures each named value to at most maxDepth levels.
func Variables(values map[string]any, maxDepth int) map[string]instrument.Variable {
	vars := make(map[string]instrument.Variable, len(values))
	for name, value := range values {
		vars[name] = captureValue(name, value, 0, maxDepth)
	}
	return vars
}

// Value captures a single value.
func Value(name string, value any, maxDepth int) instrument.Variable {
	return captureValue(name, value, 0, maxDepth)
}

// Stack returns the calling goroutine's frames, skipping skip frames above
// the caller of Stack and all runtime internals.
func Stack(skip int) []instrument.Frame {
	pcs := make([]uintptr, maxFrames)
	n := runtime.Callers(skip+2, pcs)

	var frames []instrument.Frame
	iter := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := iter.Next()
		if frame.Function != "" && !strings.HasPrefix(frame.Function, "runtime.") {
			frames = append(frames, instrument.Frame{
				Method: functionName(frame.Function),
				Source: packageName(frame.Function),
				Line:   frame.Line,
			})
		}
		if !more || len(frames) >= maxFrames {
			break
		}
	}
	return frames
}

func captureValue(name string, value any, depth, maxDepth int) instrument.Variable {
	if value == nil {
		return instrument.Variable{Name: name, Type: "nil", Value: "nil", IsNull: true}
	}

	if depth > maxDepth {
		return instrument.Variable{
			Name:        name,
			Type:        reflect.TypeOf(value).String(),
			Value:       "<max depth exceeded>",
			IsTruncated: true,
		}
	}

	v := reflect.ValueOf(value)
	t := v.Type()

	switch v.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return instrument.Variable{Name: name, Type: t.String(), Value: fmt.Sprintf("%v", value)}

	case reflect.String:
		s := v.String()
		truncated := len(s) > maxStringBytes
		if truncated {
			cut := maxStringBytes
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			s = s[:cut]
		}
		return instrument.Variable{Name: name, Type: "string", Value: s, IsTruncated: truncated}

	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return instrument.Variable{Name: name, Type: t.String(), Value: "nil", IsNull: true}
		}
		return captureValue(name, v.Elem().Interface(), depth, maxDepth)

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return instrument.Variable{Name: name, Type: t.String(), Value: "nil", IsNull: true}
		}
		length := v.Len()
		n := min(length, maxElements)
		elements := make([]instrument.Variable, 0, n)
		for i := 0; i < n; i++ {
			elements = append(elements, captureValue(fmt.Sprintf("[%d]", i), v.Index(i).Interface(), depth+1, maxDepth))
		}
		return instrument.Variable{
			Name:          name,
			Type:          t.String(),
			Value:         fmt.Sprintf("[%d items]", length),
			ArrayElements: elements,
			ArrayLength:   &length,
			IsTruncated:   length > maxElements,
		}

	case reflect.Map:
		if v.IsNil() {
			return instrument.Variable{Name: name, Type: t.String(), Value: "nil", IsNull: true}
		}
		keys := v.MapKeys()
		children := make(map[string]instrument.Variable, min(len(keys), maxElements))
		for i := 0; i < len(keys) && i < maxElements; i++ {
			key := fmt.Sprintf("%v", keys[i].Interface())
			children[key] = captureValue(key, v.MapIndex(keys[i]).Interface(), depth+1, maxDepth)
		}
		return instrument.Variable{
			Name:        name,
			Type:        t.String(),
			Value:       fmt.Sprintf("map[%d]", len(keys)),
			Children:    children,
			IsTruncated: len(keys) > maxElements,
		}

	case reflect.Struct:
		children := make(map[string]instrument.Variable)
		for i := 0; i < t.NumField() && i < maxFields; i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			children[field.Name] = captureValue(field.Name, v.Field(i).Interface(), depth+1, maxDepth)
		}
		return instrument.Variable{
			Name:     name,
			Type:     t.String(),
			Value:    fmt.Sprintf("<%s>", t.Name()),
			Children: children,
		}

	default:
		return instrument.Variable{Name: name, Type: t.String(), Value: fmt.Sprintf("<%s>", t.Kind())}
	}
}

func functionName(fullName string) string {
	last := fullName
	if slash := strings.LastIndex(fullName, "/"); slash >= 0 {
		last = fullName[slash+1:]
	}
	if dot := strings.LastIndex(last, "."); dot >= 0 {
		return last[dot+1:]
	}
	return last
}

func packageName(fullName string) string {
	prefix := ""
	rest := fullName
	if slash := strings.LastIndex(fullName, "/"); slash >= 0 {
		prefix, rest = fullName[:slash+1], fullName[slash+1:]
	}
	if dot := strings.Index(rest, "."); dot >= 0 {
		rest = rest[:dot]
	}
	return prefix + rest
}
