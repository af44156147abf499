package probe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"

	"github.com/chess-equality/sourceplusplus/pkg/instrument"
)

// Message types exchanged with probes.
const (
	// probe -> gateway
	MessageRegister    = "register"
	MessageApplied     = "applied"
	MessageApplyFailed = "apply_failed"
	MessageHit         = "hit"
	MessageHeartbeat   = "heartbeat"

	// gateway -> probe
	MessageRegistered = "registered"
	MessageApply      = "apply"
	MessageRemove     = "remove"
	MessageError      = "error"
)

// Encoding selects the frame format on a probe connection: JSON in text
// frames or CBOR in binary frames. The gateway answers in the encoding the
// probe registered with.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

// Registration identifies a probe.
type Registration struct {
	ProbeID         string `json:"probe_id"`
	ServiceInstance string `json:"service_instance,omitempty"`
	Hostname        string `json:"hostname,omitempty"`
	Runtime         string `json:"runtime,omitempty"`
	AgentVersion    string `json:"agent_version,omitempty"`
}

// ErrorPayload is sent by either side to report a failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is the envelope of every probe frame. Type selects which of the
// optional fields is set.
type Message struct {
	Type         string                 `json:"type"`
	Timestamp    int64                  `json:"timestamp"`
	Registration *Registration          `json:"registration,omitempty"`
	Instrument   *instrument.Instrument `json:"instrument,omitempty"`
	ID           string                 `json:"id,omitempty"`
	Report       *Report                `json:"report,omitempty"`
	Error        *ErrorPayload          `json:"error,omitempty"`
}

func newMessage(msgType string) Message {
	return Message{Type: msgType, Timestamp: time.Now().UnixMilli()}
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	var err error
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("probe: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("probe: CBOR decoder initialization failed: " + err.Error())
	}
}

// encode returns the websocket frame type and body for m.
func encode(enc Encoding, m Message) (int, []byte, error) {
	switch enc {
	case EncodingCBOR:
		data, err := cborEnc.Marshal(m)
		return websocket.BinaryMessage, data, err
	case EncodingJSON, "":
		data, err := json.Marshal(m)
		return websocket.TextMessage, data, err
	}
	return 0, nil, fmt.Errorf("unknown probe encoding %q", enc)
}

// decode parses a frame, choosing the codec from the frame type.
func decode(frameType int, data []byte) (Message, Encoding, error) {
	var m Message
	switch frameType {
	case websocket.BinaryMessage:
		err := cborDec.Unmarshal(data, &m)
		return m, EncodingCBOR, err
	case websocket.TextMessage:
		err := json.Unmarshal(data, &m)
		return m, EncodingJSON, err
	}
	return m, "", fmt.Errorf("unexpected websocket frame type %d", frameType)
}
