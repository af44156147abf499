// Package trigger decides whether a reported hit fires an instrument.
package trigger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/chess-equality/sourceplusplus/pkg/instrument"
)

// Decision is the outcome of evaluating one hit.
type Decision int

const (
	// Suppress drops the hit without touching counters.
	Suppress Decision = iota
	// Fire publishes the hit.
	Fire
	// FireAndRetire publishes the hit, which exhausted the hit limit.
	FireAndRetire
	// Expire drops the hit and retires the instrument because it expired.
	Expire
)

func (d Decision) String() string {
	switch d {
	case Suppress:
		return "suppress"
	case Fire:
		return "fire"
	case FireAndRetire:
		return "fire-and-retire"
	case Expire:
		return "expire"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Fired reports whether the hit should be published.
func (d Decision) Fired() bool {
	return d == Fire || d == FireAndRetire
}

// Context is what a probe observed at the instrumented location.
type Context struct {
	Variables  map[string]instrument.Variable
	OccurredAt time.Time
}

var errNotBool = errors.New("condition did not evaluate to a boolean")

// Evaluator applies conditions, throttles, expiry and hit limits. Compiled
// conditions and throttle windows are cached; the evaluator itself is safe
// for concurrent use. The instrument passed to Evaluate must be held
// exclusively by the caller for the duration of the call.
type Evaluator struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
	windows  map[string]*window
	now      func() time.Time
}

// window counts fires in the current throttle step of one instrument.
type window struct {
	start time.Time
	count int
}

// NewEvaluator returns an Evaluator using now for expiry checks. A nil now
// uses time.Now.
func NewEvaluator(now func() time.Time) *Evaluator {
	if now == nil {
		now = time.Now
	}
	return &Evaluator{
		programs: make(map[string]*vm.Program),
		windows:  make(map[string]*window),
		now:      now,
	}
}

// Evaluate decides the fate of one hit on inst. On Fire and FireAndRetire
// it increments inst.HitCount; on FireAndRetire and Expire it sets
// inst.Status to RETIRED. Nothing else is mutated. A condition that fails
// to compile or run suppresses the hit and is returned as a
// *instrument.ConditionError.
func (e *Evaluator) Evaluate(inst *instrument.Instrument, hit Context) (Decision, error) {
	if inst.Status.Terminal() {
		return Suppress, nil
	}

	if inst.Expired(e.now()) {
		inst.Status = instrument.StatusRetired
		return Expire, nil
	}

	if inst.Condition != "" {
		ok, err := e.condition(inst.Condition, hit.Variables)
		if err != nil {
			return Suppress, &instrument.ConditionError{
				InstrumentID: inst.ID,
				Condition:    inst.Condition,
				Err:          err,
			}
		}
		if !ok {
			return Suppress, nil
		}
	}

	if inst.Throttle != nil && !e.allow(inst) {
		return Suppress, nil
	}

	inst.HitCount++
	if !inst.NeverRetires() && inst.HitCount >= inst.HitLimit {
		inst.Status = instrument.StatusRetired
		return FireAndRetire, nil
	}
	return Fire, nil
}

// Forget drops cached state for an instrument that left the store.
func (e *Evaluator) Forget(id string) {
	e.mu.Lock()
	delete(e.windows, id)
	e.mu.Unlock()
}

func (e *Evaluator) condition(source string, vars map[string]instrument.Variable) (bool, error) {
	program, err := e.compile(source)
	if err != nil {
		return false, err
	}

	out, err := expr.Run(program, Env(vars))
	if err != nil {
		return false, err
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("%w: got %T", errNotBool, out)
	}
	return ok, nil
}

func (e *Evaluator) compile(source string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if program, ok := e.programs[source]; ok {
		return program, nil
	}
	program, err := expr.Compile(source)
	if err != nil {
		return nil, err
	}
	e.programs[source] = program
	return program, nil
}

// allow admits at most Throttle.Limit fires per Throttle.Step. Steps are
// fixed windows starting at the first fire after the previous step ended.
func (e *Evaluator) allow(inst *instrument.Instrument) bool {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.windows[inst.ID]
	if !ok {
		w = &window{start: now}
		e.windows[inst.ID] = w
	}
	if now.Sub(w.start) >= inst.Throttle.Step {
		w.start = now
		w.count = 0
	}
	if w.count >= inst.Throttle.Limit {
		return false
	}
	w.count++
	return true
}
