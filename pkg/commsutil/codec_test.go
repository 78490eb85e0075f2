package commsutil

import (
	"errors"
	"testing"
)

const codecTestPrefix = "commsutil:codec_test"

func TestEncodePayload_Unserializable(t *testing.T) {
	if _, err := EncodePayload(make(chan int)); err == nil {
		t.Fatalf("%s - expected error for a channel value", codecTestPrefix)
	}
}

func TestDecodePayload(t *testing.T) {
	type volume struct {
		Volume int  `json:"volume"`
		Muted  bool `json:"muted"`
	}

	tests := []struct {
		name      string
		data      string
		want      volume
		wantErr   bool
		wantEmpty bool
	}{
		{name: "object", data: `{"volume":40,"muted":true}`, want: volume{Volume: 40, Muted: true}},
		{name: "surrounding whitespace", data: " \n{\"volume\":7}\n", want: volume{Volume: 7}},
		{name: "empty", data: "", wantErr: true, wantEmpty: true},
		{name: "blank", data: "   ", wantErr: true, wantEmpty: true},
		{name: "invalid", data: `{volume}`, wantErr: true},
		{name: "trailing value", data: `{"volume":1}{"volume":2}`, wantErr: true},
		{name: "wrong type", data: `{"volume":"loud"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got volume
			err := DecodePayload([]byte(tt.data), &got)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("%s - expected error but got nil", codecTestPrefix)
				}
				if tt.wantEmpty != errors.Is(err, ErrEmptyPayload) {
					t.Errorf("%s - errors.Is(ErrEmptyPayload) = %v for %v", codecTestPrefix, !tt.wantEmpty, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("%s - unexpected error: %v", codecTestPrefix, err)
			}
			if got != tt.want {
				t.Errorf("%s - DecodePayload() = %+v, want %+v", codecTestPrefix, got, tt.want)
			}
		})
	}
}
