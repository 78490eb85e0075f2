// Package avs defines the directive value received from the cloud service.
package avs

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const logPrefix = "avs:directive"

// attachmentURLPrefix marks a payload url that references a binary attachment by content id.
const attachmentURLPrefix = "cid:"

// ErrMalformedDirective is returned when an inbound message cannot be parsed into a Directive.
var ErrMalformedDirective = errors.New("malformed directive")

// Header identifies a directive.
type Header struct {
	Namespace       string `json:"namespace"`
	Name            string `json:"name"`
	MessageID       string `json:"messageId"`
	DialogRequestID string `json:"dialogRequestId,omitempty"`
}

// Directive is an immutable inbound command. The attachment id is a reference only;
// the bytes live in the attachment store.
type Directive struct {
	header       Header
	payload      json.RawMessage
	attachmentID string
	unparsed     string
}

// NewDirective creates a Directive from its parts. Payload defaults to an empty object.
func NewDirective(header Header, payload json.RawMessage, attachmentID string) *Directive {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	p := make(json.RawMessage, len(payload))
	copy(p, payload)
	return &Directive{header: header, payload: p, attachmentID: attachmentID}
}

// Namespace returns the capability namespace used for routing.
func (d *Directive) Namespace() string { return d.header.Namespace }

// Name returns the directive name within its namespace.
func (d *Directive) Name() string { return d.header.Name }

// MessageID returns the sender-assigned unique id.
func (d *Directive) MessageID() string { return d.header.MessageID }

// DialogRequestID returns the dialog request id, or "" if the directive is not part of a dialog turn.
func (d *Directive) DialogRequestID() string { return d.header.DialogRequestID }

// Header returns a copy of the directive header.
func (d *Directive) Header() Header { return d.header }

// Payload returns the raw payload. Callers must not modify the returned slice.
func (d *Directive) Payload() json.RawMessage { return d.payload }

// AttachmentID returns the referenced attachment id, or "".
func (d *Directive) AttachmentID() string { return d.attachmentID }

// Unparsed returns the original message text the directive was parsed from, if any.
func (d *Directive) Unparsed() string { return d.unparsed }

// String returns a short form suitable for logs.
func (d *Directive) String() string {
	return fmt.Sprintf("%s.%s id=%s dialog=%s", d.header.Namespace, d.header.Name, d.header.MessageID, d.header.DialogRequestID)
}

type wireDirective struct {
	Directive struct {
		Header       Header          `json:"header"`
		Payload      json.RawMessage `json:"payload"`
		AttachmentID string          `json:"attachmentId,omitempty"`
	} `json:"directive"`
}

type attachmentPayload struct {
	URL string `json:"url"`
}

// ParseDirective parses an inbound message of the form
// {"directive":{"header":{...},"payload":{...}}}.
//
// The attachment id is taken from an explicit "attachmentId" field, or from a payload
// "url" of the form "cid:<id>".
func ParseDirective(data []byte) (*Directive, error) {
	var wire wireDirective
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%s - %w: %v", logPrefix, ErrMalformedDirective, err)
	}

	h := wire.Directive.Header
	h.Namespace = strings.TrimSpace(h.Namespace)
	h.Name = strings.TrimSpace(h.Name)
	h.MessageID = strings.TrimSpace(h.MessageID)
	h.DialogRequestID = strings.TrimSpace(h.DialogRequestID)

	switch {
	case h.Namespace == "":
		return nil, fmt.Errorf("%s - %w: missing namespace", logPrefix, ErrMalformedDirective)
	case h.Name == "":
		return nil, fmt.Errorf("%s - %w: missing name", logPrefix, ErrMalformedDirective)
	case h.MessageID == "":
		return nil, fmt.Errorf("%s - %w: missing messageId", logPrefix, ErrMalformedDirective)
	}

	attachmentID := strings.TrimSpace(wire.Directive.AttachmentID)
	if attachmentID == "" {
		attachmentID = attachmentIDFromPayload(wire.Directive.Payload)
	}

	d := NewDirective(h, wire.Directive.Payload, attachmentID)
	d.unparsed = string(data)
	return d, nil
}

func attachmentIDFromPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		return ""
	}
	var p attachmentPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return ""
	}
	return AttachmentIDFromURL(p.URL)
}

// AttachmentIDFromURL returns the content id of a "cid:" url, or "" for any other url.
func AttachmentIDFromURL(url string) string {
	url = strings.TrimSpace(url)
	if !strings.HasPrefix(url, attachmentURLPrefix) {
		return ""
	}
	return strings.TrimPrefix(url, attachmentURLPrefix)
}
