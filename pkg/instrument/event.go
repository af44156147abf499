package instrument

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags the payload carried by an Event.
type EventType string

const (
	EventAdded         EventType = "INSTRUMENT_ADDED"
	EventApplied       EventType = "INSTRUMENT_APPLIED"
	EventRemoved       EventType = "INSTRUMENT_REMOVED"
	EventBreakpointHit EventType = "BREAKPOINT_HIT"
	EventLogHit        EventType = "LOG_HIT"
)

// Payload is implemented by every event body. The set is closed: only
// types in this package satisfy it.
type Payload interface {
	EventType() EventType
}

// Variable is a value captured from a live frame.
type Variable struct {
	Name          string              `json:"name"`
	Type          string              `json:"type"`
	Value         string              `json:"value"`
	IsNull        bool                `json:"is_null"`
	IsTruncated   bool                `json:"is_truncated"`
	Children      map[string]Variable `json:"children,omitempty"`
	ArrayElements []Variable          `json:"array_elements,omitempty"`
	ArrayLength   *int                `json:"array_length,omitempty"`
}

// Frame is one element of a captured stack, innermost first.
type Frame struct {
	Method    string              `json:"method"`
	Source    string              `json:"source"`
	Line      int                 `json:"line"`
	Variables map[string]Variable `json:"variables"`
}

// StackTrace holds the frames captured at a hit.
type StackTrace struct {
	Elements []Frame `json:"elements"`
}

// Top returns the innermost frame.
func (s StackTrace) Top() (Frame, bool) {
	if len(s.Elements) == 0 {
		return Frame{}, false
	}
	return s.Elements[0], true
}

// BreakpointHit is the payload of BREAKPOINT_HIT.
type BreakpointHit struct {
	InstrumentID    string     `json:"instrument_id"`
	Location        Location   `json:"location"`
	OccurredAt      time.Time  `json:"occurred_at"`
	ServiceInstance string     `json:"service_instance,omitempty"`
	HitCount        int        `json:"hit_count"`
	StackTrace      StackTrace `json:"stack_trace"`
}

func (BreakpointHit) EventType() EventType { return EventBreakpointHit }

// LogRecord is a rendered log point message.
type LogRecord struct {
	Message   string            `json:"message"`
	Format    string            `json:"format"`
	Arguments map[string]string `json:"arguments"`
}

// LogHit is the payload of LOG_HIT.
type LogHit struct {
	InstrumentID    string    `json:"instrument_id"`
	Location        Location  `json:"location"`
	OccurredAt      time.Time `json:"occurred_at"`
	ServiceInstance string    `json:"service_instance,omitempty"`
	HitCount        int       `json:"hit_count"`
	Log             LogRecord `json:"log"`
}

func (LogHit) EventType() EventType { return EventLogHit }

// Added is the payload of INSTRUMENT_ADDED.
type Added struct {
	Instrument Instrument `json:"instrument"`
}

func (Added) EventType() EventType { return EventAdded }

// Applied is the payload of INSTRUMENT_APPLIED.
type Applied struct {
	Instrument Instrument `json:"instrument"`
}

func (Applied) EventType() EventType { return EventApplied }

// RemoveCause says why an instrument left the active set.
type RemoveCause string

const (
	CauseCleared  RemoveCause = "cleared"
	CauseHitLimit RemoveCause = "hit_limit"
	CauseExpired  RemoveCause = "expired"

	// CauseApplyFailed marks an add rolled back because no probe confirmed it.
	CauseApplyFailed RemoveCause = "apply_failed"
)

// Removed is the payload of INSTRUMENT_REMOVED.
type Removed struct {
	Instrument Instrument  `json:"instrument"`
	Cause      RemoveCause `json:"cause"`
}

func (Removed) EventType() EventType { return EventRemoved }

// Event is the envelope delivered to subscribers.
type Event struct {
	Type         EventType
	InstrumentID string
	Data         Payload
}

// NewEvent wraps payload for instrument id.
func NewEvent(id string, payload Payload) Event {
	return Event{Type: payload.EventType(), InstrumentID: id, Data: payload}
}

type envelope struct {
	EventType    EventType       `json:"event_type"`
	InstrumentID string          `json:"instrument_id"`
	Data         json.RawMessage `json:"data"`
}

// MarshalJSON writes the tag, the instrument id and the typed payload.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Data == nil {
		return nil, fmt.Errorf("event %s has no payload", e.Type)
	}
	if e.Data.EventType() != e.Type {
		return nil, fmt.Errorf("event tagged %s carries %s payload", e.Type, e.Data.EventType())
	}
	data, err := json.Marshal(e.Data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{EventType: e.Type, InstrumentID: e.InstrumentID, Data: data})
}

// UnmarshalJSON reads the tag first and decodes data into the matching
// payload type. Unknown tags are rejected.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}

	var payload Payload
	var err error
	switch env.EventType {
	case EventBreakpointHit:
		payload, err = decodePayload[BreakpointHit](env.Data)
	case EventLogHit:
		payload, err = decodePayload[LogHit](env.Data)
	case EventAdded:
		payload, err = decodePayload[Added](env.Data)
	case EventApplied:
		payload, err = decodePayload[Applied](env.Data)
	case EventRemoved:
		payload, err = decodePayload[Removed](env.Data)
	default:
		return fmt.Errorf("unknown event type %q", env.EventType)
	}
	if err != nil {
		return fmt.Errorf("decoding %s payload: %w", env.EventType, err)
	}

	e.Type = env.EventType
	e.InstrumentID = env.InstrumentID
	e.Data = payload
	return nil
}

func decodePayload[T Payload](data json.RawMessage) (Payload, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
