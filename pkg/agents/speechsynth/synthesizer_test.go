package speechsynth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/morezero/directive-core/pkg/attachment"
	"github.com/morezero/directive-core/pkg/avs"
	"github.com/morezero/directive-core/pkg/capability"
	"github.com/morezero/directive-core/pkg/directive"
	"github.com/morezero/directive-core/pkg/events"
)

const synthTestPrefix = "speechsynth:synthesizer_test"

type harness struct {
	store    *attachment.Store
	synth    *Synthesizer
	d        *directive.Dispatcher
	outcomes chan directive.Outcome

	mu     sync.Mutex
	events []string
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    attachment.NewStore(time.Minute),
		outcomes: make(chan directive.Outcome, 8),
	}
	ch := events.NewCallbackChannel(func(_ context.Context, req *events.MessageRequest) error {
		env, err := events.ParseEnvelope(req.Envelope)
		if err != nil {
			return err
		}
		h.mu.Lock()
		h.events = append(h.events, env.Event.Header.Name+" "+string(env.Event.Payload))
		h.mu.Unlock()
		return nil
	})
	opts = append([]Option{WithAgentOptions(capability.WithMessageChannel(ch))}, opts...)
	h.synth = New(h.store, opts...)
	h.d = directive.NewDispatcher(directive.WithResultObserver(func(o directive.Outcome) {
		h.outcomes <- o
	}))
	if err := h.d.Register(h.synth); err != nil {
		t.Fatalf("%s - Register failed: %v", synthTestPrefix, err)
	}
	return h
}

func (h *harness) Events() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func (h *harness) waitOutcome(t *testing.T) directive.Outcome {
	t.Helper()
	select {
	case o := <-h.outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - timeout waiting for outcome", synthTestPrefix)
		return directive.Outcome{}
	}
}

func speak(id, cid string) *avs.Directive {
	payload := json.RawMessage(`{"url":"cid:` + cid + `","format":"AUDIO_MPEG","token":"tok-` + id + `"}`)
	return avs.NewDirective(avs.Header{Namespace: Namespace, Name: DirectiveSpeak, MessageID: id, DialogRequestID: "DID"}, payload, avs.AttachmentIDFromURL("cid:"+cid))
}

func TestSynthesizer_AttachmentBeforeDirective(t *testing.T) {
	var played []byte
	h := newHarness(t, WithPlayer(PlayerFunc(func(_ context.Context, audio io.Reader) error {
		var err error
		played, err = io.ReadAll(audio)
		return err
	})))

	h.store.Provide("audio-1", strings.NewReader("MP3DATA"))
	if err := h.d.Dispatch(speak("m1", "audio-1")); err != nil {
		t.Fatalf("%s - Dispatch failed: %v", synthTestPrefix, err)
	}

	o := h.waitOutcome(t)
	if o.Result.Status != directive.StatusCompleted {
		t.Fatalf("%s - outcome = %+v", synthTestPrefix, o.Result)
	}
	h.synth.Wait()

	if string(played) != "MP3DATA" {
		t.Errorf("%s - played %q", synthTestPrefix, played)
	}
	want := []string{`SpeechStarted {"token":"tok-m1"}`, `SpeechFinished {"token":"tok-m1"}`}
	got := h.Events()
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("%s - events = %v, want %v", synthTestPrefix, got, want)
	}
	if h.store.Len() != 0 {
		t.Errorf("%s - attachment not released", synthTestPrefix)
	}
	if h.synth.Active() != 0 {
		t.Errorf("%s - speech still tracked", synthTestPrefix)
	}
}

func TestSynthesizer_AttachmentAfterDirective(t *testing.T) {
	h := newHarness(t)

	if err := h.d.Dispatch(speak("m1", "audio-1")); err != nil {
		t.Fatalf("%s - Dispatch failed: %v", synthTestPrefix, err)
	}
	time.Sleep(20 * time.Millisecond)
	if !h.store.Provide("audio-1", strings.NewReader("late audio")) {
		t.Fatalf("%s - Provide should fulfill the pending slot", synthTestPrefix)
	}

	if o := h.waitOutcome(t); o.Result.Status != directive.StatusCompleted {
		t.Fatalf("%s - outcome = %+v", synthTestPrefix, o.Result)
	}
}

func TestSynthesizer_ReaderTimeoutFails(t *testing.T) {
	h := newHarness(t, WithReadTimeout(50*time.Millisecond))

	h.d.Dispatch(speak("m1", "never"))
	o := h.waitOutcome(t)
	if o.Result.Status != directive.StatusFailed {
		t.Fatalf("%s - outcome = %+v", synthTestPrefix, o.Result)
	}
	if !strings.Contains(o.Result.Reason, attachment.ErrReaderTimeout.Error()) {
		t.Errorf("%s - reason = %q", synthTestPrefix, o.Result.Reason)
	}
	h.synth.Wait()
	if len(h.Events()) != 0 {
		t.Errorf("%s - no events expected, got %v", synthTestPrefix, h.Events())
	}
	if h.store.Len() != 0 {
		t.Errorf("%s - attachment slot not released after timeout", synthTestPrefix)
	}
}

func TestSynthesizer_CancelDuringPlayback(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, WithPlayer(PlayerFunc(func(ctx context.Context, _ io.Reader) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})))

	h.store.Provide("audio-1", strings.NewReader("long"))
	h.d.Dispatch(speak("m1", "audio-1"))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s - playback never started", synthTestPrefix)
	}
	if !h.d.Cancel("m1") {
		t.Fatalf("%s - Cancel should find the playing directive", synthTestPrefix)
	}
	h.synth.Wait()

	if o := h.waitOutcome(t); o.Result.Status != directive.StatusCanceled {
		t.Fatalf("%s - outcome = %+v", synthTestPrefix, o.Result)
	}
	select {
	case o := <-h.outcomes:
		t.Errorf("%s - unexpected second outcome %+v", synthTestPrefix, o)
	default:
	}
	got := h.Events()
	if len(got) != 1 || !strings.HasPrefix(got[0], EventSpeechStarted) {
		t.Errorf("%s - events = %v", synthTestPrefix, got)
	}
	if h.store.Len() != 0 {
		t.Errorf("%s - attachment not released after cancel", synthTestPrefix)
	}
}

func TestSynthesizer_CancelBeforeHandleReleases(t *testing.T) {
	h := newHarness(t)

	if err := h.d.PreHandle(speak("m1", "audio-1")); err != nil {
		t.Fatalf("%s - PreHandle failed: %v", synthTestPrefix, err)
	}
	if h.store.Len() != 1 {
		t.Fatalf("%s - pre-handle should request the attachment", synthTestPrefix)
	}
	h.d.Cancel("m1")
	if h.store.Len() != 0 {
		t.Errorf("%s - cancel should release the attachment", synthTestPrefix)
	}
	if h.synth.Active() != 0 {
		t.Errorf("%s - speech still tracked after cancel", synthTestPrefix)
	}
}

func TestSynthesizer_PlaybackError(t *testing.T) {
	h := newHarness(t, WithPlayer(PlayerFunc(func(context.Context, io.Reader) error {
		return errors.New("decoder: unsupported format")
	})))

	h.store.Provide("audio-1", strings.NewReader("x"))
	h.d.Dispatch(speak("m1", "audio-1"))

	o := h.waitOutcome(t)
	if o.Result.Status != directive.StatusFailed || o.Result.Reason != "playback failed: decoder: unsupported format" {
		t.Errorf("%s - outcome = %+v", synthTestPrefix, o.Result)
	}
}

func TestSynthesizer_InvalidDirectives(t *testing.T) {
	tests := []struct {
		name       string
		dir        *avs.Directive
		attachment string
		reason     string
	}{
		{
			name:   "no attachment",
			dir:    avs.NewDirective(avs.Header{Namespace: Namespace, Name: DirectiveSpeak, MessageID: "m1"}, json.RawMessage(`{"url":"https://example.com/a.mp3"}`), ""),
			reason: "no audio attachment",
		},
		{
			name:       "unsupported name",
			dir:        avs.NewDirective(avs.Header{Namespace: Namespace, Name: "Whisper", MessageID: "m1"}, json.RawMessage(`{"url":"cid:A1"}`), "A1"),
			attachment: "A1",
			reason:     "unsupported directive",
		},
		{
			name:       "bad payload",
			dir:        avs.NewDirective(avs.Header{Namespace: Namespace, Name: DirectiveSpeak, MessageID: "m1"}, json.RawMessage(`{"url":"cid:A1","format":7}`), "A1"),
			attachment: "A1",
			reason:     "invalid Speak payload",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.attachment != "" {
				h.store.Provide(tt.attachment, strings.NewReader("mp3"))
			}
			h.d.Dispatch(tt.dir)
			o := h.waitOutcome(t)
			if o.Result.Status != directive.StatusFailed || !strings.Contains(o.Result.Reason, tt.reason) {
				t.Errorf("%s - outcome = %+v", synthTestPrefix, o.Result)
			}
			if n := h.store.Len(); n != 0 {
				t.Errorf("%s - attachment still held after failed Speak: Len=%d", synthTestPrefix, n)
			}
		})
	}
}

func TestDiscardPlayer(t *testing.T) {
	if err := (DiscardPlayer{}).Play(context.Background(), strings.NewReader(strings.Repeat("a", 100000))); err != nil {
		t.Errorf("%s - Play failed: %v", synthTestPrefix, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (DiscardPlayer{}).Play(ctx, strings.NewReader("a")); !errors.Is(err, context.Canceled) {
		t.Errorf("%s - expected context.Canceled, got %v", synthTestPrefix, err)
	}
}
