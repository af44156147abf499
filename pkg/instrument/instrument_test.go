package instrument

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestLocationValidate(t *testing.T) {
	tests := []struct {
		name    string
		loc     Location
		wantErr bool
	}{
		{"valid", Location{Source: "spp.example.Controller", Line: 16}, false},
		{"empty source", Location{Source: "", Line: 1}, true},
		{"blank source", Location{Source: "   ", Line: 1}, true},
		{"zero line", Location{Source: "a.B", Line: 0}, true},
		{"negative line", Location{Source: "a.B", Line: -3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.loc.Validate()
			if tt.wantErr && !errors.Is(err, ErrInvalidLocation) {
				t.Fatalf("Validate() = %v, want ErrInvalidLocation", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestConstructorsAndDefaults(t *testing.T) {
	loc := Location{Source: "integration.LiveInstrumentTest", Line: 1}

	bp := NewBreakpoint(loc)
	if bp.Type != TypeBreakpoint || bp.HitLimit != 1 || bp.ApplyImmediately {
		t.Errorf("NewBreakpoint defaults = %+v", bp)
	}

	log := NewLog("test {}", []string{"b"}, loc, WithHitLimit(Unlimited), WithApplyImmediately(true))
	if log.Type != TypeLog || !log.NeverRetires() || !log.ApplyImmediately {
		t.Errorf("NewLog with options = %+v", log)
	}
	if len(log.LogArguments) != 1 || log.LogArguments[0] != "b" {
		t.Errorf("LogArguments = %v", log.LogArguments)
	}

	unset := Instrument{Type: TypeBreakpoint, Location: loc}
	if got := unset.Normalized().HitLimit; got != 1 {
		t.Errorf("Normalized HitLimit = %d, want 1", got)
	}
}

func TestInstrumentValidate(t *testing.T) {
	loc := Location{Source: "a.B", Line: 3}
	if err := NewBreakpoint(loc, WithHitLimit(-2)).Validate(); !errors.Is(err, ErrInvalidInstrument) {
		t.Errorf("hit limit -2: err = %v, want ErrInvalidInstrument", err)
	}
	if err := NewBreakpoint(loc, WithThrottle(0, time.Second)).Validate(); err == nil {
		t.Error("expected error for zero throttle limit")
	}
	if err := (Instrument{Type: "METER", Location: loc}).Validate(); err == nil {
		t.Error("expected error for unknown type")
	}
	if err := NewLog("x", nil, loc, WithHitLimit(Unlimited)).Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	i := NewBreakpoint(Location{Source: "a.B", Line: 1}, WithExpiresAt(now))
	if i.Expired(now.Add(-time.Second)) {
		t.Error("expired before deadline")
	}
	if !i.Expired(now) {
		t.Error("not expired at deadline")
	}
	if NewBreakpoint(Location{Source: "a.B", Line: 1}).Expired(now) {
		t.Error("instrument without expiry expired")
	}
}

func TestCloneIsDeep(t *testing.T) {
	i := NewLog("{} {}", []string{"a", "b"}, Location{Source: "a.B", Line: 1}, WithThrottle(1, time.Second))
	c := i.Clone()
	c.LogArguments[0] = "z"
	c.Throttle.Limit = 9
	if i.LogArguments[0] != "a" || i.Throttle.Limit != 1 {
		t.Errorf("Clone shares memory with original: %+v", i)
	}
}

func TestRenderLog(t *testing.T) {
	vars := map[string]Variable{
		"b": {Name: "b", Type: "int", Value: "42"},
		"n": {Name: "n", Type: "nil", Value: "nil", IsNull: true},
	}
	tests := []struct {
		format string
		args   []string
		want   string
	}{
		{"test {}", []string{"b"}, "test 42"},
		{"{} and {}", []string{"b", "n"}, "42 and null"},
		{"missing {}", []string{"absent"}, "missing null"},
		{"extra {} {}", []string{"b"}, "extra 42 {}"},
		{"no placeholders", []string{"b"}, "no placeholders"},
	}
	for _, tt := range tests {
		got := RenderLog(tt.format, tt.args, vars)
		if got.Message != tt.want {
			t.Errorf("RenderLog(%q, %v) = %q, want %q", tt.format, tt.args, got.Message, tt.want)
		}
		if got.Format != tt.format {
			t.Errorf("Format = %q, want %q", got.Format, tt.format)
		}
	}
}

func TestEventDecodeByTag(t *testing.T) {
	hit := BreakpointHit{
		InstrumentID: "bp-1",
		Location:     Location{Source: "a.B", Line: 16},
		HitCount:     1,
		StackTrace: StackTrace{Elements: []Frame{{
			Method:    "doThing",
			Source:    "a.B",
			Line:      16,
			Variables: map[string]Variable{"b": {Name: "b", Type: "int", Value: "1"}},
		}}},
	}
	data, err := json.Marshal(NewEvent("bp-1", hit))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Event
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Type != EventBreakpointHit || decoded.InstrumentID != "bp-1" {
		t.Fatalf("envelope = %+v", decoded)
	}
	got, ok := decoded.Data.(BreakpointHit)
	if !ok {
		t.Fatalf("Data is %T, want BreakpointHit", decoded.Data)
	}
	top, ok := got.StackTrace.Top()
	if !ok || len(top.Variables) != 1 {
		t.Errorf("top frame = %+v", top)
	}
}

func TestEventRejectsUnknownTag(t *testing.T) {
	var e Event
	err := json.Unmarshal([]byte(`{"event_type":"METER_HIT","instrument_id":"x","data":{}}`), &e)
	if err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestEventMarshalRejectsMismatchedTag(t *testing.T) {
	e := Event{Type: EventLogHit, InstrumentID: "x", Data: BreakpointHit{}}
	if _, err := json.Marshal(e); err == nil {
		t.Fatal("expected error for mismatched tag")
	}
}

func TestBatchErrorIs(t *testing.T) {
	err := error(&BatchError{Failures: map[int]error{
		2: ErrApplyTimeout,
		0: ErrInvalidLocation,
	}})
	if !errors.Is(err, ErrApplyTimeout) || !errors.Is(err, ErrInvalidLocation) {
		t.Errorf("errors.Is did not see item errors: %v", err)
	}
	if got, want := err.Error(), "2 batch item(s) failed: [0] invalid location; [2] apply timed out"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
