// Package probe is the boundary between the coordination service and the
// remote probes that intercept execution.
//
// A Gateway carries apply and remove commands to probes and hands their
// acknowledgements and hit reports to a Listener. Local runs the probe in
// process; WebSocketGateway serves remote probes, which connect with Client.
package probe

import (
	"context"
	"time"

	"github.com/chess-equality/sourceplusplus/pkg/instrument"
)

// Report is a hit observed by a probe. It names either the instrument that
// fired or, when InstrumentID is empty, just the location, in which case
// every instrument at that location is evaluated.
type Report struct {
	InstrumentID    string                `json:"instrument_id,omitempty"`
	Location        instrument.Location   `json:"location"`
	OccurredAt      time.Time             `json:"occurred_at"`
	ServiceInstance string                `json:"service_instance,omitempty"`
	StackTrace      instrument.StackTrace `json:"stack_trace"`
}

// Variables returns the variables of the innermost frame.
func (r Report) Variables() map[string]instrument.Variable {
	top, ok := r.StackTrace.Top()
	if !ok {
		return nil
	}
	return top.Variables
}

// Listener receives what probes send back.
type Listener interface {
	// OnApplied is called when a probe confirms it watches instrument id.
	OnApplied(id string)
	// OnReport is called for every hit a probe reports.
	OnReport(report Report)
}

// Gateway pushes instruments to probes.
type Gateway interface {
	// Apply asks probes to watch inst. When inst.ApplyImmediately is set
	// it returns only after a probe confirmed, failing with
	// instrument.ErrApplyTimeout when ctx ends first. Otherwise it
	// returns once the definition is accepted for later application.
	Apply(ctx context.Context, inst instrument.Instrument) error

	// Remove asks probes to stop watching id.
	Remove(ctx context.Context, id string) error

	// SetListener installs the receiver of acknowledgements and reports.
	SetListener(l Listener)
}
