package email

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ContentType is attached to every queue message carrying an encoded Task.
const ContentType = "application/json"

// ErrMalformedPayload marks a queue payload that can never be decoded into a Task.
var ErrMalformedPayload = errors.New("malformed task payload")

// Encode returns the wire form of t.
func Encode(t Task) ([]byte, error) {
	if len(t.Metadata) == 0 {
		t.Metadata = nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}
	return data, nil
}

// Decode parses a wire payload. Any payload that is not a single JSON object is rejected
// with ErrMalformedPayload. Field presence is not checked here; see Task.Validate.
func Decode(data []byte) (Task, error) {
	var t Task
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Task{}, fmt.Errorf("%w: not a JSON object", ErrMalformedPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	if err := dec.Decode(&t); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if dec.More() {
		return Task{}, fmt.Errorf("%w: trailing data", ErrMalformedPayload)
	}
	if len(t.Metadata) == 0 {
		t.Metadata = nil
	}
	return t, nil
}
