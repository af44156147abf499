package trigger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chess-equality/sourceplusplus/pkg/instrument"
	"github.com/chess-equality/sourceplusplus/pkg/store"
)

var loc = instrument.Location{Source: "spp.example.webapp.controller.LiveInstrumentController", Line: 25}

func active(def instrument.Instrument) instrument.Instrument {
	inst := def.Normalized()
	inst.ID = "test-id"
	inst.Status = instrument.StatusActive
	return inst
}

func vars(pairs ...string) map[string]instrument.Variable {
	out := make(map[string]instrument.Variable)
	for i := 0; i+2 < len(pairs); i += 3 {
		out[pairs[i]] = instrument.Variable{Name: pairs[i], Type: pairs[i+1], Value: pairs[i+2]}
	}
	return out
}

func TestConditions(t *testing.T) {
	tests := []struct {
		condition string
		vars      map[string]instrument.Variable
		want      Decision
		wantErr   bool
	}{
		{"", nil, Fire, false},
		{"1==2", nil, Suppress, false},
		{"1==1", nil, Fire, false},
		{"b == 1", vars("b", "int", "1"), Fire, false},
		{"b > 10", vars("b", "int", "1"), Suppress, false},
		{`name == "spp"`, vars("name", "string", "spp"), Fire, false},
		{"ok", vars("ok", "bool", "true"), Fire, false},
		{"ratio < 0.5", vars("ratio", "float64", "0.25"), Fire, false},
		{"1 ==", nil, Suppress, true},
		{"1 + 2", nil, Suppress, true},
	}
	for _, tt := range tests {
		t.Run(tt.condition, func(t *testing.T) {
			e := NewEvaluator(nil)
			inst := active(instrument.NewLog("test {}", []string{"b"}, loc,
				instrument.WithCondition(tt.condition), instrument.WithHitLimit(instrument.Unlimited)))

			got, err := e.Evaluate(&inst, Context{Variables: tt.vars})
			if got != tt.want {
				t.Errorf("Evaluate = %s, want %s", got, tt.want)
			}
			var condErr *instrument.ConditionError
			if tt.wantErr != errors.As(err, &condErr) {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
			wantCount := 0
			if tt.want.Fired() {
				wantCount = 1
			}
			if inst.HitCount != wantCount {
				t.Errorf("HitCount = %d, want %d", inst.HitCount, wantCount)
			}
		})
	}
}

func TestHitLimit(t *testing.T) {
	e := NewEvaluator(nil)
	inst := active(instrument.NewBreakpoint(loc, instrument.WithHitLimit(3)))

	want := []Decision{Fire, Fire, FireAndRetire, Suppress, Suppress}
	for i, w := range want {
		got, err := e.Evaluate(&inst, Context{})
		if err != nil {
			t.Fatalf("hit %d: %v", i+1, err)
		}
		if got != w {
			t.Errorf("hit %d = %s, want %s", i+1, got, w)
		}
	}
	if inst.HitCount != 3 || inst.Status != instrument.StatusRetired {
		t.Errorf("after limit: count %d status %s", inst.HitCount, inst.Status)
	}
}

func TestDefaultHitLimitIsOne(t *testing.T) {
	e := NewEvaluator(nil)
	inst := active(instrument.Instrument{Type: instrument.TypeBreakpoint, Location: loc})
	if got, _ := e.Evaluate(&inst, Context{}); got != FireAndRetire {
		t.Errorf("first hit = %s, want fire-and-retire", got)
	}
}

func TestUnlimitedNeverRetires(t *testing.T) {
	e := NewEvaluator(nil)
	inst := active(instrument.NewBreakpoint(loc, instrument.WithHitLimit(instrument.Unlimited)))
	for i := 0; i < 1000; i++ {
		if got, _ := e.Evaluate(&inst, Context{}); got != Fire {
			t.Fatalf("hit %d = %s", i+1, got)
		}
	}
}

func TestTerminalInstrumentsAreInert(t *testing.T) {
	e := NewEvaluator(nil)
	for _, status := range []instrument.Status{instrument.StatusRetired, instrument.StatusRemoved} {
		inst := active(instrument.NewBreakpoint(loc, instrument.WithCondition("1 ==")))
		inst.Status = status
		got, err := e.Evaluate(&inst, Context{})
		if got != Suppress || err != nil {
			t.Errorf("%s: Evaluate = %s, %v", status, got, err)
		}
	}
}

func TestExpiry(t *testing.T) {
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	e := NewEvaluator(func() time.Time { return now })
	inst := active(instrument.NewBreakpoint(loc, instrument.WithExpiresAt(now.Add(-time.Minute))))

	if got, _ := e.Evaluate(&inst, Context{}); got != Expire {
		t.Errorf("Evaluate = %s, want expire", got)
	}
	if inst.Status != instrument.StatusRetired || inst.HitCount != 0 {
		t.Errorf("after expire: status %s count %d", inst.Status, inst.HitCount)
	}
}

func TestThrottle(t *testing.T) {
	e := NewEvaluator(nil)
	inst := active(instrument.NewBreakpoint(loc,
		instrument.WithHitLimit(instrument.Unlimited), instrument.WithThrottle(2, time.Hour)))

	fired := 0
	for i := 0; i < 5; i++ {
		if got, _ := e.Evaluate(&inst, Context{}); got.Fired() {
			fired++
		}
	}
	if fired != 2 || inst.HitCount != 2 {
		t.Errorf("fired %d times with count %d, want 2", fired, inst.HitCount)
	}

	e.Forget(inst.ID)
	if got, _ := e.Evaluate(&inst, Context{}); got != Fire {
		t.Errorf("after Forget = %s, want fire", got)
	}
}

func TestThrottleWindowIsExact(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	e := NewEvaluator(func() time.Time { return now })
	inst := active(instrument.NewBreakpoint(loc,
		instrument.WithHitLimit(instrument.Unlimited), instrument.WithThrottle(3, 300*time.Millisecond)))

	fired := 0
	for ms := 0; ms < 290; ms++ {
		now = start.Add(time.Duration(ms) * time.Millisecond)
		if got, _ := e.Evaluate(&inst, Context{}); got.Fired() {
			fired++
		}
	}
	if fired != 3 {
		t.Fatalf("fired %d times within one 300ms step, want 3", fired)
	}

	now = start.Add(300 * time.Millisecond)
	if got, _ := e.Evaluate(&inst, Context{}); got != Fire {
		t.Errorf("next step = %s, want fire", got)
	}
}

func TestHitLimitExactUnderConcurrency(t *testing.T) {
	const limit, reporters, reports = 7, 16, 50

	e := NewEvaluator(nil)
	s := store.New()
	inst := s.Put(instrument.NewBreakpoint(loc, instrument.WithHitLimit(limit)))
	s.MarkStatus(inst.ID, instrument.StatusActive)

	var mu sync.Mutex
	fires, retires := 0, 0
	var wg sync.WaitGroup
	for r := 0; r < reporters; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < reports; i++ {
				var d Decision
				s.Update(inst.ID, func(i *instrument.Instrument) {
					d, _ = e.Evaluate(i, Context{})
				})
				mu.Lock()
				if d.Fired() {
					fires++
				}
				if d == FireAndRetire {
					retires++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if fires != limit || retires != 1 {
		t.Errorf("fires = %d retires = %d, want %d and 1", fires, retires, limit)
	}
}

func TestEnv(t *testing.T) {
	length := 2
	env := Env(map[string]instrument.Variable{
		"n":    {Type: "nil", IsNull: true},
		"s":    {Type: "java.lang.String", Value: "7"},
		"l":    {Type: "long", Value: "7"},
		"list": {Type: "[]int", ArrayElements: []instrument.Variable{{Type: "int", Value: "1"}, {Type: "int", Value: "2"}}, ArrayLength: &length},
		"obj":  {Type: "main.User", Children: map[string]instrument.Variable{"Active": {Type: "bool", Value: "true"}}},
	})
	if env["n"] != nil {
		t.Errorf("n = %v", env["n"])
	}
	if env["s"] != "7" {
		t.Errorf("s = %#v, want string", env["s"])
	}
	if env["l"] != 7 {
		t.Errorf("l = %#v, want int 7", env["l"])
	}
	if list, ok := env["list"].([]any); !ok || len(list) != 2 || list[1] != 2 {
		t.Errorf("list = %#v", env["list"])
	}
	if obj, ok := env["obj"].(map[string]any); !ok || obj["Active"] != true {
		t.Errorf("obj = %#v", env["obj"])
	}
}
