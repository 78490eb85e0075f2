package commsutil

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const codecLogPrefix = "commsutil:codec"

// ErrEmptyPayload is returned when decoding an empty message body.
var ErrEmptyPayload = errors.New("empty payload")

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s - encode failed: %w", codecLogPrefix, err)
	}
	return data, nil
}

// DecodePayload deserializes a single JSON value into target. Trailing data after the value is
// an error.
func DecodePayload(data []byte, target any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%s - %w", codecLogPrefix, ErrEmptyPayload)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("%s - decode failed: %w", codecLogPrefix, err)
	}
	if dec.More() {
		return fmt.Errorf("%s - decode failed: trailing data after JSON value", codecLogPrefix)
	}
	return nil
}
