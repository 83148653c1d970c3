// ABOUTME: Live-channel message envelopes and their JSON/CBOR encodings
// ABOUTME: Text frames carry JSON, binary frames carry CBOR; both share the same field names

package hub

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

// Inbound message types sent by agents
const (
	TypeRegister     = "register"
	TypeContext      = "context"
	TypeActionResult = "action_result"
	TypeHeartbeat    = "heartbeat"
	TypeQuery        = "query"
)

// Outbound message types pushed by the hub
const (
	TypeWelcome          = "welcome"
	TypeRegistered       = "registered"
	TypeAck              = "ack"
	TypePong             = "pong"
	TypeError            = "error"
	TypeQueryResponse    = "query_response"
	TypeContextBroadcast = "context_broadcast"
	TypeAgentStatus      = "agent_status"
	TypeActionRequest    = "action_request"
	TypeActionCompleted  = "action_completed"
)

// Encoding selects the frame codec.
type Encoding int

const (
	EncodingJSON Encoding = iota // websocket text frames
	EncodingCBOR                 // websocket binary frames
)

func (e Encoding) String() string {
	if e == EncodingCBOR {
		return "cbor"
	}
	return "json"
}

// Frame is one encoded message on a live channel.
type Frame struct {
	Encoding Encoding
	Data     []byte
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	cborEnc, err = encOptions.EncMode()
	if err != nil {
		panic("hub: CBOR encoder initialization failed: " + err.Error())
	}

	// Payloads are opaque trees; any-typed maps must come out as
	// map[string]any so they persist as JSON unchanged.
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("hub: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode renders v with the given encoding.
func Encode(enc Encoding, v any) (Frame, error) {
	var data []byte
	var err error
	if enc == EncodingCBOR {
		data, err = cborEnc.Marshal(v)
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s frame: %w", enc, err)
	}
	return Frame{Encoding: enc, Data: data}, nil
}

// Decode parses a frame into v.
func Decode(f Frame, v any) error {
	var err error
	if f.Encoding == EncodingCBOR {
		err = cborDec.Unmarshal(f.Data, v)
	} else {
		err = json.Unmarshal(f.Data, v)
	}
	if err != nil {
		return fmt.Errorf("decoding %s frame: %w", f.Encoding, err)
	}
	return nil
}

// Envelope is the inbound wrapper {type, request_id, payload}.
type Envelope[T any] struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Payload   T      `json:"payload"`
}

// header is decoded first to learn the message type.
type header struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
}

func decodePayload[T any](f Frame) (T, error) {
	var env Envelope[T]
	err := Decode(f, &env)
	return env.Payload, err
}

// RegisterPayload announces an agent's type and capabilities.
type RegisterPayload struct {
	AgentType     string         `json:"agent_type"`
	Capabilities  []string       `json:"capabilities,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Subscriptions []string       `json:"subscriptions,omitempty"` // context types to receive; empty means all
	// Status lets an agent report itself in error; empty means active.
	Status store.AgentStatus `json:"status,omitempty"`
}

// ContextPayload publishes one observation.
type ContextPayload struct {
	ContextType string `json:"context_type"`
	Data        any    `json:"data"`
	Priority    *int   `json:"priority,omitempty"`
}

// ActionResultPayload reports the outcome of an action request.
type ActionResultPayload struct {
	ActionID int64 `json:"action_id"`
	Result   any   `json:"result"`
	Success  bool  `json:"success"`
}

// QueryPayload asks for context entries over the live channel.
type QueryPayload struct {
	AgentID     string `json:"agent_id,omitempty"`
	ContextType string `json:"context_type,omitempty"`
	PriorityMin *int   `json:"priority_min,omitempty"`
	Since       string `json:"since,omitempty"` // RFC 3339
	Until       string `json:"until,omitempty"`
	Search      string `json:"search,omitempty"`
	Limit       *int   `json:"limit,omitempty"`
	Order       string `json:"order,omitempty"`
}

// Message is everything the hub sends to an agent. Fields irrelevant to a
// given type are omitted.
type Message struct {
	Type       string                `json:"type"`
	RequestID  string                `json:"request_id,omitempty"`
	AgentID    string                `json:"agent_id,omitempty"`
	Status     store.AgentStatus     `json:"status,omitempty"`
	ID         int64                 `json:"id,omitempty"`
	Agent      *store.Agent          `json:"agent,omitempty"`
	Entry      *store.ContextEntry   `json:"entry,omitempty"`
	Entries    []*store.ContextEntry `json:"entries,omitempty"`
	Degraded   bool                  `json:"degraded,omitempty"`
	Action     *store.ActionRecord   `json:"action,omitempty"`
	Payload    any                   `json:"payload,omitempty"`
	Error      string                `json:"error,omitempty"`
	Kind       string                `json:"kind,omitempty"`
	ServerID   string                `json:"server_id,omitempty"`
	ServerTime *time.Time            `json:"server_time,omitempty"`
}

// class orders messages for backpressure decisions.
type class int

const (
	classContext  class = iota // dropped first
	classControl               // dropped when no context message is left to drop
	classCritical              // never dropped
)

func classOf(msgType string) class {
	switch msgType {
	case TypeContextBroadcast:
		return classContext
	case TypeActionRequest, TypeActionCompleted:
		return classCritical
	default:
		return classControl
	}
}
