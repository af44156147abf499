// Package service coordinates live instruments: it owns the store, pushes
// instruments to probes through a gateway, evaluates the hits probes report
// and publishes the resulting events.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/chess-equality/sourceplusplus/pkg/instrument"
	"github.com/chess-equality/sourceplusplus/pkg/probe"
	"github.com/chess-equality/sourceplusplus/pkg/publisher"
	"github.com/chess-equality/sourceplusplus/pkg/store"
	"github.com/chess-equality/sourceplusplus/pkg/trigger"
)

// DefaultApplyTimeout bounds an immediate apply when no timeout is configured.
const DefaultApplyTimeout = 5 * time.Second

// Service is the coordination facade. All mutation of instrument state
// goes through it. It is safe for concurrent use.
type Service struct {
	store     *store.Store
	gateway   probe.Gateway
	evaluator *trigger.Evaluator
	publisher *publisher.Publisher
	channel   publisher.Channel
	logger    *slog.Logger

	applyTimeout time.Duration
	now          func() time.Time

	// orphans are removed instruments whose detach failed; the next clear
	// retries them.
	mu      sync.Mutex
	orphans map[string]struct{}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithApplyTimeout bounds how long an immediate apply waits for a probe.
func WithApplyTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.applyTimeout = d
	}
}

// WithChannel publishes on channel instead of publisher.SubscriberChannel.
func WithChannel(channel publisher.Channel) Option {
	return func(s *Service) {
		s.channel = channel
	}
}

// WithNow sets the clock used for expiry and for hits without a timestamp.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New wires a service to its collaborators and installs itself as the
// gateway's listener.
func New(st *store.Store, gw probe.Gateway, pub *publisher.Publisher, options ...Option) *Service {
	s := &Service{
		store:        st,
		gateway:      gw,
		publisher:    pub,
		channel:      publisher.SubscriberChannel,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		applyTimeout: DefaultApplyTimeout,
		now:          time.Now,
		orphans:      make(map[string]struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.evaluator = trigger.NewEvaluator(s.now)
	gw.SetListener(s)
	return s
}

// AddLiveInstrument validates def, stores it and asks the probes to apply
// it. With ApplyImmediately set it returns only after a probe confirmed,
// and on timeout or rejection the instrument is rolled back and the error
// wraps instrument.ErrApplyTimeout or instrument.ErrApplyFailed.
func (s *Service) AddLiveInstrument(ctx context.Context, def instrument.Instrument) (instrument.Instrument, error) {
	inst, err := s.admit(def)
	if err != nil {
		return instrument.Instrument{}, err
	}
	return s.apply(ctx, inst)
}

// AddLiveInstruments adds every definition independently. The result has
// one entry per definition in input order; entries that failed are zero
// and listed in the returned *instrument.BatchError. Successful entries
// stay added regardless of their siblings.
func (s *Service) AddLiveInstruments(ctx context.Context, defs []instrument.Instrument) ([]instrument.Instrument, error) {
	results := make([]instrument.Instrument, len(defs))
	errs := make([]error, len(defs))

	admitted := make([]bool, len(defs))
	for i, def := range defs {
		results[i], errs[i] = s.admit(def)
		admitted[i] = errs[i] == nil
	}

	var wg sync.WaitGroup
	for i := range defs {
		if !admitted[i] {
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.apply(ctx, results[i])
		}(i)
	}
	wg.Wait()

	failures := make(map[int]error)
	for i, err := range errs {
		if err != nil {
			failures[i] = err
		}
	}
	if len(failures) > 0 {
		return results, &instrument.BatchError{Failures: failures}
	}
	return results, nil
}

// GetLiveInstrumentByID returns the instrument with id. A missing id is
// reported by ok, not as an error.
func (s *Service) GetLiveInstrumentByID(id string) (inst instrument.Instrument, ok bool) {
	return s.store.Get(id)
}

// GetLiveInstrumentsByIDs returns the instruments among ids that exist.
func (s *Service) GetLiveInstrumentsByIDs(ids []string) []instrument.Instrument {
	return s.store.GetMany(ids)
}

// GetLiveInstruments returns every stored instrument in creation order.
func (s *Service) GetLiveInstruments() []instrument.Instrument {
	return s.store.All()
}

// ClearLiveInstruments removes every instrument matching pred, or all of
// them when pred is nil, and detaches them from the probes. Removal from
// the store is a single step; detach failures do not undo it and are
// returned as *instrument.ClearError. The boolean reports whether anything
// was removed.
func (s *Service) ClearLiveInstruments(ctx context.Context, pred Predicate) (bool, error) {
	removed := s.store.RemoveAll(pred)
	for _, inst := range removed {
		s.evaluator.Forget(inst.ID)
		s.publish(inst.ID, instrument.Removed{Instrument: inst, Cause: instrument.CauseCleared})
	}
	if len(removed) > 0 {
		s.logger.Info("instruments cleared", "count", len(removed))
	}

	s.mu.Lock()
	detach := make([]string, 0, len(removed)+len(s.orphans))
	for id := range s.orphans {
		detach = append(detach, id)
	}
	s.mu.Unlock()
	for _, inst := range removed {
		detach = append(detach, inst.ID)
	}

	failures := make(map[string]error)
	for _, id := range detach {
		err := s.gateway.Remove(ctx, id)

		s.mu.Lock()
		if err != nil {
			s.orphans[id] = struct{}{}
		} else {
			delete(s.orphans, id)
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("detaching instrument failed", "instrument_id", id, "error", err)
			failures[id] = err
		}
	}

	if len(failures) > 0 {
		return len(removed) > 0, &instrument.ClearError{Failures: failures}
	}
	return len(removed) > 0, nil
}

// OnApplied implements probe.Listener. The first confirmation moves a
// pending instrument to ACTIVE. An instrument added with ApplyImmediately
// is activated by its add once the gateway apply succeeded.
func (s *Service) OnApplied(id string) {
	s.store.Update(id, func(i *instrument.Instrument) {
		if awaitingApply(i) {
			return
		}
		s.activate(i)
	})
}

// OnReport implements probe.Listener. A report naming an instrument is
// evaluated against it; a report naming only a location is evaluated
// against every instrument there, in creation order.
func (s *Service) OnReport(report probe.Report) {
	if report.OccurredAt.IsZero() {
		report.OccurredAt = s.now()
	}

	if report.InstrumentID != "" {
		s.evaluate(report.InstrumentID, report)
		return
	}
	for _, id := range s.store.LookupIDs(report.Location) {
		s.evaluate(id, report)
	}
}

func (s *Service) admit(def instrument.Instrument) (instrument.Instrument, error) {
	if err := def.Validate(); err != nil {
		return instrument.Instrument{}, err
	}

	inst := s.store.PutFunc(def, func(i instrument.Instrument) {
		s.publish(i.ID, instrument.Added{Instrument: i})
	})
	s.logger.Info("instrument added",
		"instrument_id", inst.ID,
		"type", inst.Type,
		"location", inst.Location.String(),
	)
	return inst, nil
}

func (s *Service) apply(ctx context.Context, inst instrument.Instrument) (instrument.Instrument, error) {
	applyCtx := ctx
	if inst.ApplyImmediately {
		var cancel context.CancelFunc
		applyCtx, cancel = context.WithTimeout(ctx, s.applyTimeout)
		defer cancel()
	}

	if err := s.gateway.Apply(applyCtx, inst); err != nil {
		if !errors.Is(err, instrument.ErrApplyTimeout) && !errors.Is(err, instrument.ErrApplyFailed) {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %v", instrument.ErrApplyTimeout, err)
			} else {
				err = fmt.Errorf("%w: %v", instrument.ErrApplyFailed, err)
			}
		}
		s.rollback(ctx, inst.ID)
		s.logger.Warn("applying instrument failed", "instrument_id", inst.ID, "error", err)
		return instrument.Instrument{}, fmt.Errorf("adding instrument at %s: %w", inst.Location, err)
	}

	if inst.ApplyImmediately {
		s.store.Update(inst.ID, s.activate)
	}
	if current, ok := s.store.Get(inst.ID); ok {
		return current, nil
	}
	return inst, nil
}

// rollback removes an instrument whose apply failed so it is never left
// ACTIVE.
func (s *Service) rollback(ctx context.Context, id string) {
	removed := s.store.RemoveAll(func(i instrument.Instrument) bool { return i.ID == id })
	for _, inst := range removed {
		s.evaluator.Forget(inst.ID)
		s.publish(inst.ID, instrument.Removed{Instrument: inst, Cause: instrument.CauseApplyFailed})
	}

	if err := s.gateway.Remove(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn("detaching rolled back instrument failed", "instrument_id", id, "error", err)
		s.mu.Lock()
		s.orphans[id] = struct{}{}
		s.mu.Unlock()
	}
}

// evaluate runs one report against instrument id under its record lock
// and publishes what the decision calls for before the lock is released.
func (s *Service) evaluate(id string, report probe.Report) {
	var (
		decision trigger.Decision
		evalErr  error
	)
	_, ok := s.store.Update(id, func(i *instrument.Instrument) {
		if i.Status.Terminal() || awaitingApply(i) {
			return
		}
		// A hit proves the probe applied the instrument.
		s.activate(i)

		decision, evalErr = s.evaluator.Evaluate(i, trigger.Context{
			Variables:  report.Variables(),
			OccurredAt: report.OccurredAt,
		})
		if decision.Fired() {
			s.publish(i.ID, s.hitPayload(i, report))
		}
		switch decision {
		case trigger.FireAndRetire:
			s.publish(i.ID, instrument.Removed{Instrument: i.Clone(), Cause: instrument.CauseHitLimit})
		case trigger.Expire:
			s.publish(i.ID, instrument.Removed{Instrument: i.Clone(), Cause: instrument.CauseExpired})
		}
	})
	if !ok {
		return
	}

	if evalErr != nil {
		var condErr *instrument.ConditionError
		if errors.As(evalErr, &condErr) {
			s.logger.Warn("condition evaluation failed",
				"instrument_id", condErr.InstrumentID,
				"condition", condErr.Condition,
				"error", condErr.Err,
			)
		} else {
			s.logger.Warn("evaluating hit failed", "instrument_id", id, "error", evalErr)
		}
		return
	}

	if decision == trigger.FireAndRetire || decision == trigger.Expire {
		s.retire(id, decision)
	}
}

// retire detaches an instrument that stopped firing. It stays in the
// store as RETIRED.
func (s *Service) retire(id string, decision trigger.Decision) {
	s.evaluator.Forget(id)
	s.logger.Info("instrument retired", "instrument_id", id, "reason", decision.String())

	if err := s.gateway.Remove(context.Background(), id); err != nil {
		s.logger.Warn("detaching retired instrument failed", "instrument_id", id, "error", err)
	}
}

// awaitingApply reports whether i is an immediate add whose apply has not
// returned yet. Such an instrument may still be rolled back, so it neither
// fires nor activates.
func awaitingApply(i *instrument.Instrument) bool {
	return i.ApplyImmediately && i.Status == instrument.StatusPending
}

// activate moves a pending instrument to ACTIVE. The caller holds the
// record lock.
func (s *Service) activate(i *instrument.Instrument) {
	if i.Status != instrument.StatusPending {
		return
	}
	i.Status = instrument.StatusActive
	s.publish(i.ID, instrument.Applied{Instrument: i.Clone()})
	s.logger.Debug("instrument applied", "instrument_id", i.ID)
}

func (s *Service) hitPayload(i *instrument.Instrument, report probe.Report) instrument.Payload {
	if i.Type == instrument.TypeLog {
		return instrument.LogHit{
			InstrumentID:    i.ID,
			Location:        i.Location,
			OccurredAt:      report.OccurredAt,
			ServiceInstance: report.ServiceInstance,
			HitCount:        i.HitCount,
			Log:             instrument.RenderLog(i.LogFormat, i.LogArguments, report.Variables()),
		}
	}

	trace := report.StackTrace
	if len(trace.Elements) == 0 {
		trace = instrument.StackTrace{Elements: []instrument.Frame{{
			Source: i.Location.Source,
			Line:   i.Location.Line,
		}}}
	}
	return instrument.BreakpointHit{
		InstrumentID:    i.ID,
		Location:        i.Location,
		OccurredAt:      report.OccurredAt,
		ServiceInstance: report.ServiceInstance,
		HitCount:        i.HitCount,
		StackTrace:      trace,
	}
}

func (s *Service) publish(id string, payload instrument.Payload) {
	s.publisher.Publish(s.channel, instrument.NewEvent(id, payload))
}
