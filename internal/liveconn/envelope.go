package liveconn

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/gjson"
)

// Inbound and outbound message types. TypeConnection and TypeAll are reserved
// for handler registration and never appear on the wire.
const (
	TypeNewMessage    = "new_message"
	TypeLegacyMessage = "message"
	TypeUnreadUpdate  = "unread_update"
	TypeHeartbeat     = "heartbeat"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeMarkRead      = "mark_read"

	TypeConnection = "connection"
	TypeAll        = "all"
)

var ErrProtocol = errors.New("protocol error")

// ID is a server identifier that may arrive as a JSON string or number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

// Event is the closed set of decoded payloads carried by an Envelope.
type Event interface {
	eventType() string
}

// NewMessage announces a chat message. The attribution fields are optional and
// are consulted in order by the unread store.
type NewMessage struct {
	MessageID      ID     `json:"message_id,omitempty"`
	ConversationID ID     `json:"conversation_id"`
	SenderID       ID     `json:"sender_id,omitempty"`
	Content        string `json:"content,omitempty"`
	Role           string `json:"role,omitempty"`
	RecipientRole  string `json:"recipient_role,omitempty"`
	IsProfessional *bool  `json:"is_professional,omitempty"`
	IsOwnMessage   bool   `json:"is_own_message,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
}

func (NewMessage) eventType() string { return TypeNewMessage }

// UnreadUpdate is a server pushed count snapshot.
type UnreadUpdate struct {
	UnreadCount             int        `json:"unread_count"`
	ConversationCounts      map[ID]int `json:"conversation_counts,omitempty"`
	OwnerUnreadCount        *int       `json:"owner_unread_count,omitempty"`
	ProfessionalUnreadCount *int       `json:"professional_unread_count,omitempty"`
	// Role names the role the counts are scoped to; empty means all roles.
	Role string `json:"role,omitempty"`
}

func (UnreadUpdate) eventType() string { return TypeUnreadUpdate }

type HeartbeatAck struct {
	ServerTime int64 `json:"server_time,omitempty"`
}

func (HeartbeatAck) eventType() string { return TypeHeartbeatAck }

// ConnectionEvent is synthesised by the Manager on every status edge.
// ConnectionEvent reports a status change. Generation identifies the
// connection attempt; a connected event whose generation is not newer than
// the last disconnected one is stale.
type ConnectionEvent struct {
	Status     Status
	Forced     bool
	Generation uint64
	Timestamp  time.Time
}

func (ConnectionEvent) eventType() string { return TypeConnection }

// Unknown carries types this package does not model.
type Unknown struct {
	Data json.RawMessage
}

func (Unknown) eventType() string { return "" }

// Outbound payloads.
type Heartbeat struct{}

type MarkRead struct {
	ConversationID ID   `json:"conversation_id"`
	MessageIDs     []ID `json:"message_ids"`
}

// Envelope is one validated message. Event holds the concrete payload for
// Type; for the legacy "message" alias it is a NewMessage.
type Envelope struct {
	Type      string
	Timestamp time.Time
	Event     Event
}

type outboundEnvelope struct {
	Type      string `json:"type"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

const envelopeSchemaURL = "https://schemas.pawpal.dev/live/envelope.json"

const envelopeSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"timestamp": {"type": ["number", "string", "null"]},
		"data": {"type": ["object", "null"]},
		"payload": {"type": ["object", "null"]}
	}
}`

var payloadSchemas = map[string]string{
	TypeNewMessage: `{
		"type": "object",
		"required": ["conversation_id"],
		"properties": {
			"conversation_id": {"type": ["string", "integer"]},
			"sender_id": {"type": ["string", "integer", "null"]},
			"message_id": {"type": ["string", "integer", "null"]},
			"is_professional": {"type": ["boolean", "null"]},
			"is_own_message": {"type": ["boolean", "null"]}
		}
	}`,
	TypeUnreadUpdate: `{
		"type": "object",
		"required": ["unread_count"],
		"properties": {
			"unread_count": {"type": "integer", "minimum": 0},
			"conversation_counts": {
				"type": ["object", "null"],
				"additionalProperties": {"type": "integer", "minimum": 0}
			},
			"owner_unread_count": {"type": ["integer", "null"], "minimum": 0},
			"professional_unread_count": {"type": ["integer", "null"], "minimum": 0},
			"role": {"type": ["string", "null"]}
		}
	}`,
}

type codec struct {
	envelope *jsonschema.Schema
	payloads map[string]*jsonschema.Schema
}

func newCodec() (*codec, error) {
	compiler := jsonschema.NewCompiler()
	if err := addSchema(compiler, envelopeSchemaURL, envelopeSchema); err != nil {
		return nil, err
	}
	envelope, err := compiler.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, err
	}
	c := &codec{envelope: envelope, payloads: map[string]*jsonschema.Schema{}}
	for msgType, raw := range payloadSchemas {
		url := "https://schemas.pawpal.dev/live/" + msgType + ".json"
		if err := addSchema(compiler, url, raw); err != nil {
			return nil, err
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, err
		}
		c.payloads[msgType] = schema
	}
	// The legacy alias shares the new_message shape.
	c.payloads[TypeLegacyMessage] = c.payloads[TypeNewMessage]
	return c, nil
}

func addSchema(compiler *jsonschema.Compiler, url, raw string) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return err
	}
	return compiler.AddResource(url, doc)
}

func mustCodec() *codec {
	c, err := newCodec()
	if err != nil {
		panic(fmt.Sprintf("liveconn: compile envelope schemas: %v", err))
	}
	return c
}

var defaultCodec = mustCodec()

// DecodeEnvelope validates raw against the envelope schema and the schema of
// its type, then decodes the typed payload. now stamps envelopes without a
// timestamp.
func DecodeEnvelope(raw []byte, now time.Time) (Envelope, error) {
	return defaultCodec.decode(raw, now)
}

func (c *codec) decode(raw []byte, now time.Time) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, fmt.Errorf("%w: payload is not valid json", ErrProtocol)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if err := c.envelope.Validate(inst); err != nil {
		return Envelope{}, fmt.Errorf("%w: envelope: %v", ErrProtocol, err)
	}

	msgType := gjson.GetBytes(raw, "type").String()
	dataKey := "data"
	data := gjson.GetBytes(raw, dataKey)
	if !data.Exists() || data.Type == gjson.Null {
		dataKey = "payload"
		data = gjson.GetBytes(raw, dataKey)
	}
	env := Envelope{
		Type:      msgType,
		Timestamp: parseTimestamp(gjson.GetBytes(raw, "timestamp"), now),
	}

	body := []byte("{}")
	var bodyInst any = map[string]any{}
	if data.Exists() && data.Type != gjson.Null {
		body = []byte(data.Raw)
		if obj, ok := inst.(map[string]any); ok {
			bodyInst = obj[dataKey]
		}
	}
	if schema, ok := c.payloads[msgType]; ok {
		if err := schema.Validate(bodyInst); err != nil {
			return Envelope{}, fmt.Errorf("%w: %s payload: %v", ErrProtocol, msgType, err)
		}
	}

	switch msgType {
	case TypeNewMessage, TypeLegacyMessage:
		var ev NewMessage
		if err := json.Unmarshal(body, &ev); err != nil {
			return Envelope{}, fmt.Errorf("%w: %s payload: %v", ErrProtocol, msgType, err)
		}
		env.Event = ev
	case TypeUnreadUpdate:
		var ev UnreadUpdate
		if err := json.Unmarshal(body, &ev); err != nil {
			return Envelope{}, fmt.Errorf("%w: %s payload: %v", ErrProtocol, msgType, err)
		}
		env.Event = ev
	case TypeHeartbeatAck:
		var ev HeartbeatAck
		_ = json.Unmarshal(body, &ev)
		env.Event = ev
	case TypeConnection, TypeAll:
		return Envelope{}, fmt.Errorf("%w: reserved type %q on the wire", ErrProtocol, msgType)
	default:
		env.Event = Unknown{Data: json.RawMessage(append([]byte(nil), body...))}
	}
	return env, nil
}

// EncodeEnvelope serialises an outbound message as {type, data, timestamp}.
func EncodeEnvelope(msgType string, data any, now time.Time) ([]byte, error) {
	if strings.TrimSpace(msgType) == "" {
		return nil, fmt.Errorf("%w: empty message type", ErrProtocol)
	}
	if data == nil {
		data = struct{}{}
	}
	return json.Marshal(outboundEnvelope{
		Type:      msgType,
		Data:      data,
		Timestamp: now.UnixMilli(),
	})
}

func parseTimestamp(value gjson.Result, now time.Time) time.Time {
	switch value.Type {
	case gjson.Number:
		ms := value.Int()
		if ms <= 0 {
			return now
		}
		// Second resolution timestamps are promoted to milliseconds.
		if ms < 1e11 {
			ms *= 1000
		}
		return time.UnixMilli(ms)
	case gjson.String:
		raw := strings.TrimSpace(value.String())
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return ts
		}
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms)
		}
	}
	return now
}
