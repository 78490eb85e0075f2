package avs

import (
	"errors"
	"testing"
)

const directiveTestPrefix = "avs:directive_test"

func TestParseDirective_Valid(t *testing.T) {
	raw := `{
		"directive": {
			"header": {
				"namespace": "SpeechRecognizer",
				"name": "StopCapture",
				"messageId": "MID1",
				"dialogRequestId": "DID1"
			},
			"payload": {"profile": "CLOSE_TALK"}
		}
	}`

	d, err := ParseDirective([]byte(raw))
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", directiveTestPrefix, err)
	}
	if d.Namespace() != "SpeechRecognizer" {
		t.Errorf("%s - Namespace = %q, want SpeechRecognizer", directiveTestPrefix, d.Namespace())
	}
	if d.Name() != "StopCapture" {
		t.Errorf("%s - Name = %q, want StopCapture", directiveTestPrefix, d.Name())
	}
	if d.MessageID() != "MID1" {
		t.Errorf("%s - MessageID = %q, want MID1", directiveTestPrefix, d.MessageID())
	}
	if d.DialogRequestID() != "DID1" {
		t.Errorf("%s - DialogRequestID = %q, want DID1", directiveTestPrefix, d.DialogRequestID())
	}
	if string(d.Payload()) != `{"profile": "CLOSE_TALK"}` {
		t.Errorf("%s - Payload = %s", directiveTestPrefix, d.Payload())
	}
	if d.AttachmentID() != "" {
		t.Errorf("%s - AttachmentID = %q, want empty", directiveTestPrefix, d.AttachmentID())
	}
	if d.Unparsed() != raw {
		t.Errorf("%s - Unparsed should hold the original message", directiveTestPrefix)
	}
}

func TestParseDirective_AttachmentFromURL(t *testing.T) {
	raw := `{"directive":{"header":{"namespace":"SpeechSynthesizer","name":"Speak","messageId":"m-2"},
		"payload":{"url":"cid:DeviceTTSRenderer_abc.123","format":"AUDIO_MPEG","token":"t1"}}}`

	d, err := ParseDirective([]byte(raw))
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", directiveTestPrefix, err)
	}
	if d.AttachmentID() != "DeviceTTSRenderer_abc.123" {
		t.Errorf("%s - AttachmentID = %q", directiveTestPrefix, d.AttachmentID())
	}
	if d.DialogRequestID() != "" {
		t.Errorf("%s - DialogRequestID = %q, want empty", directiveTestPrefix, d.DialogRequestID())
	}
}

func TestParseDirective_ExplicitAttachmentWins(t *testing.T) {
	raw := `{"directive":{"header":{"namespace":"SpeechSynthesizer","name":"Speak","messageId":"m-3"},
		"attachmentId":"explicit-1","payload":{"url":"cid:from-url"}}}`

	d, err := ParseDirective([]byte(raw))
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", directiveTestPrefix, err)
	}
	if d.AttachmentID() != "explicit-1" {
		t.Errorf("%s - AttachmentID = %q, want explicit-1", directiveTestPrefix, d.AttachmentID())
	}
}

func TestParseDirective_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{nope`},
		{"missing namespace", `{"directive":{"header":{"name":"N","messageId":"m"}}}`},
		{"missing name", `{"directive":{"header":{"namespace":"NS","messageId":"m"}}}`},
		{"missing message id", `{"directive":{"header":{"namespace":"NS","name":"N"}}}`},
		{"blank message id", `{"directive":{"header":{"namespace":"NS","name":"N","messageId":"  "}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDirective([]byte(tt.raw))
			if err == nil {
				t.Fatalf("%s - expected error", directiveTestPrefix)
			}
			if !errors.Is(err, ErrMalformedDirective) {
				t.Errorf("%s - expected ErrMalformedDirective, got %v", directiveTestPrefix, err)
			}
		})
	}
}

func TestNewDirective_DefaultsPayloadAndCopies(t *testing.T) {
	d := NewDirective(Header{Namespace: "Speaker", Name: "SetMute", MessageID: "m"}, nil, "")
	if string(d.Payload()) != "{}" {
		t.Errorf("%s - Payload = %s, want {}", directiveTestPrefix, d.Payload())
	}

	src := []byte(`{"mute":true}`)
	d = NewDirective(Header{Namespace: "Speaker", Name: "SetMute", MessageID: "m"}, src, "")
	src[2] = 'X'
	if string(d.Payload()) != `{"mute":true}` {
		t.Errorf("%s - payload should not alias the caller's buffer, got %s", directiveTestPrefix, d.Payload())
	}
}

func TestAttachmentIDFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"cid:abc", "abc"},
		{" cid:abc ", "abc"},
		{"https://example.com/a.mp3", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := AttachmentIDFromURL(tt.url); got != tt.want {
			t.Errorf("%s - AttachmentIDFromURL(%q) = %q, want %q", directiveTestPrefix, tt.url, got, tt.want)
		}
	}
}
