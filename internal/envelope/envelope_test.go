package envelope

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	orig := New(KindRequest, "caller")
	orig.Target = "callee"
	orig.Topic = "calculator.add"
	orig.CorrelationID = NewID()
	payload, err := MarshalValue(map[string]int{"a": 10, "b": 5})
	if err != nil {
		t.Fatalf("MarshalValue: %v", err)
	}
	orig.Payload = payload

	var buf bytes.Buffer
	if err := Encode(&buf, orig); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.ID != orig.ID || got.Kind != orig.Kind || got.Source != orig.Source ||
		got.Target != orig.Target || got.Topic != orig.Topic ||
		got.CorrelationID != orig.CorrelationID {
		t.Fatalf("roundtrip mismatch: got %+v, want %+v", got, orig)
	}
	if !bytes.Equal(got.Payload, orig.Payload) {
		t.Fatalf("payload mismatch: got %s, want %s", got.Payload, orig.Payload)
	}
}

func TestEncodeBytesDecodeBytesRoundtrip(t *testing.T) {
	orig := New(KindEvent, "sensor")
	orig.Topic = "sensor/temperature"
	orig.Payload, _ = MarshalValue(23.5)

	data, err := EncodeBytes(orig)
	if err != nil {
		t.Fatalf("EncodeBytes: %v", err)
	}

	got, err := DecodeBytes(data)
	if err != nil {
		t.Fatalf("DecodeBytes: %v", err)
	}
	if got.Topic != orig.Topic {
		t.Errorf("Topic = %q, want %q", got.Topic, orig.Topic)
	}
}

func TestFullyQualifiedMethod(t *testing.T) {
	if got := FullyQualifiedMethod("calculator", "add"); got != "calculator.add" {
		t.Errorf("got %q, want %q", got, "calculator.add")
	}
}

func TestNewIDsAreUnique(t *testing.T) {
	a := NewID()
	b := NewID()
	if a == b {
		t.Errorf("NewID returned the same id twice: %q", a)
	}
}
