package probe

import (
	"context"
	"sync"
	"time"

	"github.com/chess-equality/sourceplusplus/pkg/capture"
	"github.com/chess-equality/sourceplusplus/pkg/instrument"
)

// Local is an in-process probe. Code under observation calls Hit at the
// locations of interest; Hit reports only while some applied instrument
// targets that location, so the call is cheap when nothing is attached.
type Local struct {
	mu              sync.RWMutex
	applied         map[string]instrument.Instrument
	listener        Listener
	serviceInstance string
	maxDepth        int
	now             func() time.Time
}

// LocalOption configures a Local probe.
type LocalOption func(*Local)

// WithServiceInstance names the process in reports.
func WithServiceInstance(name string) LocalOption {
	return func(l *Local) {
		l.serviceInstance = name
	}
}

// WithMaxDepth bounds how deep captured values are expanded.
func WithMaxDepth(depth int) LocalOption {
	return func(l *Local) {
		l.maxDepth = depth
	}
}

// NewLocal returns an in-process probe.
func NewLocal(options ...LocalOption) *Local {
	l := &Local{
		applied:  make(map[string]instrument.Instrument),
		maxDepth: 10,
		now:      time.Now,
	}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// SetListener implements Gateway.
func (l *Local) SetListener(listener Listener) {
	l.mu.Lock()
	l.listener = listener
	l.mu.Unlock()
}

// Apply implements Gateway. Application is immediate and confirmed to the
// listener before Apply returns.
func (l *Local) Apply(ctx context.Context, inst instrument.Instrument) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	l.applied[inst.ID] = inst.Clone()
	listener := l.listener
	l.mu.Unlock()

	if listener != nil {
		listener.OnApplied(inst.ID)
	}
	return nil
}

// Remove implements Gateway.
func (l *Local) Remove(_ context.Context, id string) error {
	l.mu.Lock()
	delete(l.applied, id)
	l.mu.Unlock()
	return nil
}

// Applied returns the ids of the instruments currently watched.
func (l *Local) Applied() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	ids := make([]string, 0, len(l.applied))
	for id := range l.applied {
		ids = append(ids, id)
	}
	return ids
}

// Watching reports whether any applied instrument targets the location.
func (l *Local) Watching(source string, line int) bool {
	loc := instrument.Location{Source: source, Line: line}

	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, inst := range l.applied {
		if inst.Location == loc {
			return true
		}
	}
	return false
}

// Hit reports execution of source:line with the variables in scope. The
// innermost frame of the report is the instrumented location and carries
// exactly vars; the caller's stack follows it. Hit returns whether a
// report was sent.
func (l *Local) Hit(source string, line int, vars map[string]any) bool {
	if !l.Watching(source, line) {
		return false
	}

	l.mu.RLock()
	listener := l.listener
	l.mu.RUnlock()
	if listener == nil {
		return false
	}

	loc := instrument.Location{Source: source, Line: line}
	listener.OnReport(Report{
		Location:        loc,
		OccurredAt:      l.now(),
		ServiceInstance: l.serviceInstance,
		StackTrace:      stackAt(loc, vars, l.maxDepth, 1),
	})
	return true
}

// stackAt builds a stack whose innermost frame is loc with vars captured,
// followed by the frames of Hit's caller.
func stackAt(loc instrument.Location, vars map[string]any, maxDepth, skip int) instrument.StackTrace {
	callers := capture.Stack(skip + 1)

	top := instrument.Frame{
		Source:    loc.Source,
		Line:      loc.Line,
		Variables: capture.Variables(vars, maxDepth),
	}
	if len(callers) > 0 {
		top.Method = callers[0].Method
	}
	return instrument.StackTrace{Elements: append([]instrument.Frame{top}, callers...)}
}
