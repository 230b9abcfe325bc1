// Package wire defines the message model exchanged between bus clients and
// the broker, and the single-frame text encoding used to carry it.
//
// Every frame on the wire is one UTF-8 string: the uppercase message kind,
// a single space, then the compact JSON encoding of the message. Kinds are
// REGISTER, SUBSCRIBE, EVENT, REQUEST, RESPONSE, COMMAND, PING, PONG, and
// ACK. All kinds share id/type/timestamp/source/body; some carry additional
// routing fields (topic, target, timeout, request_id, requestor).
//
// Called by: internal/broker, internal/client, internal/history
// Calls: encoding/json, github.com/oklog/ulid/v2
package wire

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind identifies the semantic type of a Message.
type Kind string

const (
	KindRegister  Kind = "REGISTER"
	KindSubscribe Kind = "SUBSCRIBE"
	KindEvent     Kind = "EVENT"
	KindRequest   Kind = "REQUEST"
	KindResponse  Kind = "RESPONSE"
	KindCommand   Kind = "COMMAND"
	KindPing      Kind = "PING"
	KindPong      Kind = "PONG"
	KindAck       Kind = "ACK"
)

// DefaultTimeoutSeconds is used whenever a REQUEST/COMMAND/PING omits timeout.
const DefaultTimeoutSeconds = 5

// PingBody and PongBody are the fixed bodies carried by PING/PONG messages.
const (
	PingBody = "PING"
	PongBody = "PONG"
)

// Message is the unified wire model. Not every field applies to every kind;
// see the New* constructors below for which fields a given kind populates.
type Message struct {
	ID        string    `json:"id"`
	Type      Kind      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Body      string    `json:"body,omitempty"`

	Topic   string `json:"topic,omitempty"`
	Target  string `json:"target,omitempty"`
	Timeout int    `json:"timeout,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	Requestor string `json:"requestor,omitempty"`
}

// entropy backs NewID; ulid.Monotonic keeps IDs strictly increasing even
// when generated within the same millisecond, which is what makes them
// sortable by creation order rather than merely by timestamp.
var entropy = ulid.Monotonic(rand.Reader, 0)

// NewID returns a new time-ordered, monotonically sortable identifier.
func NewID() string {
	return ulid.MustNew(ulid.Now(), entropy).String()
}

func newMessage(kind Kind, source, body string) Message {
	return Message{
		ID:        NewID(),
		Type:      kind,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Body:      body,
	}
}

// NewRegister builds a REGISTER message announcing source's presence.
func NewRegister(source string) Message {
	return newMessage(KindRegister, source, "")
}

// NewSubscribe builds a SUBSCRIBE message adding source as a listener on topic.
func NewSubscribe(source, topic string) Message {
	m := newMessage(KindSubscribe, source, "")
	m.Topic = topic
	return m
}

// NewEvent builds an EVENT message broadcasting body on topic.
func NewEvent(source, topic, body string) Message {
	m := newMessage(KindEvent, source, body)
	m.Topic = topic
	return m
}

// NewRequest builds a REQUEST addressed to target, with timeout in seconds
// (DefaultTimeoutSeconds if timeoutSeconds <= 0).
func NewRequest(source, target, body string, timeoutSeconds int) Message {
	m := newMessage(KindRequest, source, body)
	m.Target = target
	m.Timeout = normalizeTimeout(timeoutSeconds)
	return m
}

// NewCommand builds a COMMAND addressed to the broker; body names the command.
func NewCommand(source, body string, timeoutSeconds int) Message {
	m := newMessage(KindCommand, source, body)
	m.Target = "broker"
	m.Timeout = normalizeTimeout(timeoutSeconds)
	return m
}

// NewPing builds a PING, a REQUEST specialization with a fixed body.
func NewPing(source, target string, timeoutSeconds int) Message {
	m := NewRequest(source, target, PingBody, timeoutSeconds)
	m.Type = KindPing
	return m
}

// NewResponse builds a RESPONSE correlated to request by RequestID, addressed
// back to requestor.
func NewResponse(source, requestor, requestID, body string) Message {
	m := newMessage(KindResponse, source, body)
	m.Requestor = requestor
	m.RequestID = requestID
	return m
}

// NewPong builds a PONG, a RESPONSE specialization replying to a PING.
func NewPong(source, requestor, requestID string) Message {
	m := NewResponse(source, requestor, requestID, PongBody)
	m.Type = KindPong
	return m
}

// NewAck builds an ACK acknowledging a REGISTER or SUBSCRIBE.
func NewAck(source, requestor, requestID string) Message {
	m := NewResponse(source, requestor, requestID, "")
	m.Type = KindAck
	return m
}

func normalizeTimeout(seconds int) int {
	if seconds <= 0 {
		return DefaultTimeoutSeconds
	}
	return seconds
}

// Encode renders m as a single wire frame: "{KIND} {json}".
func (m Message) Encode() (string, error) {
	payload, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("wire: encode %s: %w", m.Type, err)
	}
	return string(m.Type) + " " + string(payload), nil
}

// Decode parses a single wire frame produced by Encode.
func Decode(frame string) (Message, error) {
	kind, body, found := strings.Cut(frame, " ")
	if !found {
		return Message{}, fmt.Errorf("wire: malformed frame %q: missing kind separator", frame)
	}
	var m Message
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return Message{}, fmt.Errorf("wire: decode %s: %w", kind, err)
	}
	if m.Type == "" {
		m.Type = Kind(kind)
	}
	return m, nil
}

// IsRequestLike reports whether the message expects a correlated response.
func (m Message) IsRequestLike() bool {
	switch m.Type {
	case KindRequest, KindCommand, KindPing:
		return true
	default:
		return false
	}
}

// IsResponseLike reports whether the message is a correlated reply.
func (m Message) IsResponseLike() bool {
	switch m.Type {
	case KindResponse, KindPong, KindAck:
		return true
	default:
		return false
	}
}
