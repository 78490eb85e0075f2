// Package events builds outbound event envelopes and delivers them over a message channel.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const logPrefix = "events:envelope"

// EventHeader identifies an outbound event.
type EventHeader struct {
	Namespace       string `json:"namespace"`
	Name            string `json:"name"`
	MessageID       string `json:"messageId"`
	DialogRequestID string `json:"dialogRequestId,omitempty"`
}

// Event is the "event" member of an envelope.
type Event struct {
	Header  EventHeader     `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

// Envelope is the outbound document. Field order here is the wire order.
type Envelope struct {
	Context []json.RawMessage `json:"context,omitempty"`
	Event   Event             `json:"event"`
}

// EventInput is everything a caller supplies for one event.
type EventInput struct {
	Namespace       string
	Name            string
	DialogRequestID string
	// Payload must be a JSON object. Empty means {}.
	Payload json.RawMessage
	// Context holds device state entries, each a JSON object.
	Context []json.RawMessage
}

// Builder creates envelopes with fresh message ids.
type Builder struct {
	newID func() string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithIDGenerator overrides message id generation.
func WithIDGenerator(fn func() string) BuilderOption {
	return func(b *Builder) {
		b.newID = fn
	}
}

// NewBuilder creates a Builder that assigns UUIDv4 message ids.
func NewBuilder(opts ...BuilderOption) *Builder {
	b := &Builder{newID: func() string { return uuid.New().String() }}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the new message id and the serialized envelope. Building the same input twice
// yields documents that differ only in messageId.
func (b *Builder) Build(in EventInput) (string, []byte, error) {
	ns := strings.TrimSpace(in.Namespace)
	name := strings.TrimSpace(in.Name)
	if ns == "" || name == "" {
		return "", nil, fmt.Errorf("%s - event namespace and name are required", logPrefix)
	}

	payload, err := compactObject(in.Payload)
	if err != nil {
		return "", nil, fmt.Errorf("%s - invalid payload for %s.%s: %w", logPrefix, ns, name, err)
	}

	var ctx []json.RawMessage
	for i, c := range in.Context {
		entry, err := compactObject(c)
		if err != nil {
			return "", nil, fmt.Errorf("%s - invalid context entry %d: %w", logPrefix, i, err)
		}
		ctx = append(ctx, entry)
	}

	id := b.newID()
	env := Envelope{
		Context: ctx,
		Event: Event{
			Header: EventHeader{
				Namespace:       ns,
				Name:            name,
				MessageID:       id,
				DialogRequestID: strings.TrimSpace(in.DialogRequestID),
			},
			Payload: payload,
		},
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", nil, fmt.Errorf("%s - failed to encode envelope: %w", logPrefix, err)
	}
	return id, data, nil
}

// ParseContext reads the entries of a {"context":[...]} document. An empty document yields no
// entries.
func ParseContext(data []byte) ([]json.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var doc struct {
		Context []json.RawMessage `json:"context"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%s - invalid context document: %w", logPrefix, err)
	}
	return doc.Context, nil
}

// ParseEnvelope decodes a serialized envelope.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%s - invalid envelope: %w", logPrefix, err)
	}
	return &env, nil
}

func compactObject(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("expected a JSON object")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, err
	}
	return json.RawMessage(buf.Bytes()), nil
}
