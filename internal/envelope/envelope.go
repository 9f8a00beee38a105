// Package envelope defines the wire message exchanged with the
// transport and its deterministic, length-prefixed codec. Every
// interaction pattern the hub exposes — RPC, pub/sub, and streaming
// subscriptions — rides on this one envelope shape (spec §3, §6.1).
package envelope

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the protocol role of an Envelope.
type Kind string

const (
	KindRequest             Kind = "request"
	KindResponse            Kind = "response"
	KindError               Kind = "error"
	KindEvent               Kind = "event"
	KindServiceRegister     Kind = "service_register"
	KindServiceQuery        Kind = "service_query"
	KindServiceDirectory    Kind = "service_directory"
	KindSubscriptionRequest Kind = "subscription_request"
	KindSubscriptionAccept  Kind = "subscription_accept"
	KindSubscriptionReject  Kind = "subscription_reject"
	KindSubscriptionData    Kind = "subscription_data"
	KindSubscriptionCancel  Kind = "subscription_cancel"
	KindShutdown            Kind = "shutdown"
)

// Envelope is the single unit exchanged with the transport. Fields
// track spec §3's table; Target empty means broadcast.
type Envelope struct {
	ID            string `json:"id"`
	Kind          Kind   `json:"kind"`
	Source        string `json:"source"`
	Target        string `json:"target,omitempty"`
	Topic         string `json:"topic,omitempty"`
	Payload       []byte `json:"payload,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	TimestampMS int64  `json:"timestamp_ms,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	TTLMS       int64  `json:"ttl_ms,omitempty"`
	Retain      bool   `json:"retain,omitempty"`
}

// New stamps a fresh envelope with a UUIDv7 id and the current time.
// UUIDv7 is time-ordered, which keeps envelope ids useful as a log
// correlation key even without a separate sequence number.
func New(kind Kind, source string) *Envelope {
	return &Envelope{
		ID:          newID(),
		Kind:        kind,
		Source:      source,
		TimestampMS: time.Now().UnixMilli(),
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the system clock/rand source is
		// broken; fall back to a random v4 rather than panic.
		return uuid.NewString()
	}
	return id.String()
}

// NewID returns a fresh time-ordered identifier, used for correlation
// ids and subscription ids as well as envelope ids.
func NewID() string { return newID() }

// IsBroadcast reports whether the envelope has no specific target.
func (e *Envelope) IsBroadcast() bool { return e.Target == "" }

// FullyQualifiedMethod builds "{service}.{method}" for Request topics.
func FullyQualifiedMethod(service, method string) string {
	return fmt.Sprintf("%s.%s", service, method)
}

// Encode writes an envelope to w as a 4-byte big-endian length prefix
// followed by its JSON encoding. The prefix makes the codec
// deterministic and frame-able over a raw byte stream transport.
func Encode(w io.Writer, e *Envelope) error {
	data, err := marshalJSON(e)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write envelope length prefix: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write envelope body: %w", err)
	}
	return nil
}

// Decode reads one length-prefixed envelope from r.
func Decode(r io.Reader) (*Envelope, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read envelope body: %w", err)
	}
	var e Envelope
	if err := unmarshalJSON(body, &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}

// EncodeBytes returns the length-prefixed wire form without a writer,
// convenient for transports (e.g. MQTT) that take a whole message body
// rather than a stream.
func EncodeBytes(e *Envelope) ([]byte, error) {
	data, err := marshalJSON(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	out := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(out[:4], uint32(len(data)))
	copy(out[4:], data)
	return out, nil
}

// DecodeBytes is the inverse of EncodeBytes.
func DecodeBytes(b []byte) (*Envelope, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("decode envelope: short buffer (%d bytes)", len(b))
	}
	n := binary.BigEndian.Uint32(b[:4])
	if uint32(len(b)-4) != n {
		return nil, fmt.Errorf("decode envelope: length mismatch (want %d, have %d)", n, len(b)-4)
	}
	var e Envelope
	if err := unmarshalJSON(b[4:], &e); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &e, nil
}
