package capture

import (
	"strings"
	"testing"
	"unicode/utf8"
)

type userContext struct {
	UserID string
	Active bool
	secret string
}

func TestVariables(t *testing.T) {
	vars := Variables(map[string]any{
		"count": 10,
		"name":  "spp",
		"items": []string{"apple", "banana"},
		"meta":  map[string]any{"nested": map[string]int{"k": 1}},
		"user":  userContext{UserID: "u-1", Active: true, secret: "x"},
		"ptr":   (*userContext)(nil),
		"none":  nil,
	}, 10)

	if got := vars["count"]; got.Type != "int" || got.Value != "10" {
		t.Errorf("count = %+v", got)
	}
	if got := vars["name"]; got.Type != "string" || got.Value != "spp" {
		t.Errorf("name = %+v", got)
	}
	if got := vars["items"]; got.ArrayLength == nil || *got.ArrayLength != 2 || got.ArrayElements[1].Value != "banana" {
		t.Errorf("items = %+v", got)
	}
	if got := vars["meta"].Children["nested"].Children["k"]; got.Value != "1" {
		t.Errorf("meta.nested.k = %+v", got)
	}
	user := vars["user"]
	if _, ok := user.Children["secret"]; ok {
		t.Error("unexported field captured")
	}
	if user.Children["UserID"].Value != "u-1" || user.Children["Active"].Value != "true" {
		t.Errorf("user = %+v", user)
	}
	if !vars["ptr"].IsNull || !vars["none"].IsNull {
		t.Errorf("nil values not marked null: %+v %+v", vars["ptr"], vars["none"])
	}
}

func TestMaxDepth(t *testing.T) {
	v := Value("deep", map[string]any{"a": map[string]any{"b": 1}}, 0)
	inner := v.Children["a"]
	if !inner.IsTruncated || inner.Value != "<max depth exceeded>" {
		t.Errorf("inner = %+v", inner)
	}
}

func TestStringTruncation(t *testing.T) {
	v := Value("s", strings.Repeat("x", maxStringBytes+5), 1)
	if !v.IsTruncated || len(v.Value) != maxStringBytes {
		t.Errorf("truncated = %v len = %d", v.IsTruncated, len(v.Value))
	}
}

func TestStringTruncationKeepsRunes(t *testing.T) {
	// The three-byte rune straddles the byte limit.
	s := strings.Repeat("x", maxStringBytes-1) + "€tail"
	v := Value("s", s, 1)
	if !v.IsTruncated {
		t.Fatal("expected truncation")
	}
	if !utf8.ValidString(v.Value) {
		t.Errorf("truncated value is not valid UTF-8: %q", v.Value[len(v.Value)-4:])
	}
	if v.Value != strings.Repeat("x", maxStringBytes-1) {
		t.Errorf("len = %d, want %d", len(v.Value), maxStringBytes-1)
	}
}

func TestStackStartsAtCaller(t *testing.T) {
	frames := Stack(0)
	if len(frames) == 0 {
		t.Fatal("no frames captured")
	}
	top := frames[0]
	if top.Method != "TestStackStartsAtCaller" {
		t.Errorf("top method = %q", top.Method)
	}
	if !strings.HasSuffix(top.Source, "pkg/capture") {
		t.Errorf("top source = %q", top.Source)
	}
	if top.Line <= 0 {
		t.Errorf("top line = %d", top.Line)
	}
}

func TestNames(t *testing.T) {
	full := "github.com/chess-equality/sourceplusplus/pkg/probe.(*Local).Hit"
	if got := functionName(full); got != "Hit" {
		t.Errorf("functionName = %q", got)
	}
	if got := packageName(full); got != "github.com/chess-equality/sourceplusplus/pkg/probe" {
		t.Errorf("packageName = %q", got)
	}
	if got := packageName("main.main"); got != "main" {
		t.Errorf("packageName(main.main) = %q", got)
	}
}
