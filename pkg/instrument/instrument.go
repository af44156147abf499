// Package instrument defines live instruments, their lifecycle states and
// the events published when they are added, applied, hit or removed.
package instrument

import (
	"fmt"
	"strings"
	"time"
)

// Unlimited is the HitLimit sentinel for instruments that never retire on hits.
const Unlimited = -1

// Type discriminates the instrument variants.
type Type string

const (
	TypeBreakpoint Type = "BREAKPOINT"
	TypeLog        Type = "LOG"
)

// Status is the lifecycle state of a stored instrument.
type Status string

const (
	// StatusPending means the instrument is stored but no probe has
	// confirmed it yet.
	StatusPending Status = "PENDING"
	// StatusActive means a probe applied the instrument and hits may fire.
	StatusActive Status = "ACTIVE"
	// StatusRetired is terminal: the hit limit was reached or the
	// instrument expired.
	StatusRetired Status = "RETIRED"
	// StatusRemoved is terminal: the instrument was cleared.
	StatusRemoved Status = "REMOVED"
)

// Terminal reports whether no further hits can fire in this state.
func (s Status) Terminal() bool {
	return s == StatusRetired || s == StatusRemoved
}

// Location is a line within a qualified code unit.
type Location struct {
	Source string `json:"source" yaml:"source"`
	Line   int    `json:"line" yaml:"line"`
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.Source, l.Line)
}

// Validate checks that the location names a code unit and a positive line.
func (l Location) Validate() error {
	if strings.TrimSpace(l.Source) == "" {
		return fmt.Errorf("%w: empty source", ErrInvalidLocation)
	}
	if l.Line <= 0 {
		return fmt.Errorf("%w: line %d must be positive", ErrInvalidLocation, l.Line)
	}
	return nil
}

// Throttle bounds how often an instrument may fire: at most Limit hits per Step.
type Throttle struct {
	Limit int           `json:"limit"`
	Step  time.Duration `json:"step"`
}

// Instrument is a breakpoint or log point attached to a source location.
// The runtime fields (ID, HitCount, Status, CreatedAt) are owned by the store.
type Instrument struct {
	ID               string     `json:"id,omitempty"`
	Type             Type       `json:"type"`
	Location         Location   `json:"location"`
	Condition        string     `json:"condition,omitempty"`
	HitLimit         int        `json:"hit_limit"`
	ApplyImmediately bool       `json:"apply_immediately"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Throttle         *Throttle  `json:"throttle,omitempty"`

	// Log points only.
	LogFormat    string   `json:"log_format,omitempty"`
	LogArguments []string `json:"log_arguments,omitempty"`

	HitCount  int       `json:"hit_count"`
	Status    Status    `json:"status,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Option modifies an Instrument under construction.
type Option func(*Instrument)

// WithCondition sets the boolean expression that gates each hit.
func WithCondition(condition string) Option {
	return func(i *Instrument) {
		i.Condition = condition
	}
}

// WithHitLimit sets how many times the instrument fires before it retires.
// Use Unlimited to never retire.
func WithHitLimit(limit int) Option {
	return func(i *Instrument) {
		i.HitLimit = limit
	}
}

// WithApplyImmediately makes add wait for probe confirmation.
func WithApplyImmediately(apply bool) Option {
	return func(i *Instrument) {
		i.ApplyImmediately = apply
	}
}

// WithExpiresAt retires the instrument once t has passed.
func WithExpiresAt(t time.Time) Option {
	return func(i *Instrument) {
		i.ExpiresAt = &t
	}
}

// WithThrottle limits the fire rate to limit hits per step.
func WithThrottle(limit int, step time.Duration) Option {
	return func(i *Instrument) {
		i.Throttle = &Throttle{Limit: limit, Step: step}
	}
}

// NewBreakpoint returns a breakpoint definition at loc.
func NewBreakpoint(loc Location, options ...Option) Instrument {
	i := Instrument{Type: TypeBreakpoint, Location: loc, HitLimit: 1}
	for _, opt := range options {
		opt(&i)
	}
	return i
}

// NewLog returns a log point definition at loc. Each {} in format is
// replaced by the value of the next name in args.
func NewLog(format string, args []string, loc Location, options ...Option) Instrument {
	i := Instrument{
		Type:         TypeLog,
		Location:     loc,
		HitLimit:     1,
		LogFormat:    format,
		LogArguments: append([]string(nil), args...),
	}
	for _, opt := range options {
		opt(&i)
	}
	return i
}

// Validate checks a caller-supplied definition.
func (i Instrument) Validate() error {
	if err := i.Location.Validate(); err != nil {
		return err
	}
	switch i.Type {
	case TypeBreakpoint, TypeLog:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidInstrument, i.Type)
	}
	if i.HitLimit < Unlimited {
		return fmt.Errorf("%w: hit limit %d", ErrInvalidInstrument, i.HitLimit)
	}
	if i.Throttle != nil && (i.Throttle.Limit < 1 || i.Throttle.Step <= 0) {
		return fmt.Errorf("%w: throttle %d per %s", ErrInvalidInstrument, i.Throttle.Limit, i.Throttle.Step)
	}
	return nil
}

// Normalized returns a copy with defaults filled in and runtime fields cleared.
func (i Instrument) Normalized() Instrument {
	c := i.Clone()
	if c.HitLimit == 0 {
		c.HitLimit = 1
	}
	c.ID = ""
	c.HitCount = 0
	c.Status = ""
	return c
}

// NeverRetires reports whether the instrument has no hit limit.
func (i Instrument) NeverRetires() bool {
	return i.HitLimit == Unlimited
}

// Expired reports whether the instrument's expiry has passed at now.
func (i Instrument) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

// Clone returns a deep copy safe to hand out of the store.
func (i Instrument) Clone() Instrument {
	c := i
	c.LogArguments = append([]string(nil), i.LogArguments...)
	if i.ExpiresAt != nil {
		t := *i.ExpiresAt
		c.ExpiresAt = &t
	}
	if i.Throttle != nil {
		t := *i.Throttle
		c.Throttle = &t
	}
	return c
}
