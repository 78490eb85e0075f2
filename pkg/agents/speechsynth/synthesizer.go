// Package speechsynth implements the SpeechSynthesizer capability: playback of speech audio
// delivered as directive attachments.
package speechsynth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/morezero/directive-core/pkg/attachment"
	"github.com/morezero/directive-core/pkg/avs"
	"github.com/morezero/directive-core/pkg/capability"
	"github.com/morezero/directive-core/pkg/commsutil"
	"github.com/morezero/directive-core/pkg/directive"
)

const logPrefix = "speechsynth:synthesizer"

const (
	Namespace = "SpeechSynthesizer"
	Version   = "1.0.0"

	DirectiveSpeak = "Speak"

	EventSpeechStarted  = "SpeechStarted"
	EventSpeechFinished = "SpeechFinished"
)

// DefaultReadTimeout bounds the wait for a Speak directive's audio.
const DefaultReadTimeout = 5 * time.Second

type speakPayload struct {
	URL    string `json:"url"`
	Format string `json:"format"`
	Token  string `json:"token"`
}

type tokenPayload struct {
	Token string `json:"token"`
}

// speech is one Speak directive between pre-handle and its end.
type speech struct {
	info         *capability.DirectiveInfo
	attachmentID string
	token        string
	future       *attachment.Future
	// cancel is set once playback has started.
	cancel context.CancelFunc
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithPlayer sets the audio player. Default: DiscardPlayer.
func WithPlayer(p Player) Option {
	return func(s *Synthesizer) {
		s.player = p
	}
}

// WithReadTimeout sets how long Handle waits for the audio attachment.
func WithReadTimeout(d time.Duration) Option {
	return func(s *Synthesizer) {
		s.readTimeout = d
	}
}

// WithAgentOptions passes options to the underlying capability agent.
func WithAgentOptions(opts ...capability.Option) Option {
	return func(s *Synthesizer) {
		s.agentOpts = append(s.agentOpts, opts...)
	}
}

// Synthesizer is the SpeechSynthesizer capability agent.
type Synthesizer struct {
	*capability.Agent

	store       *attachment.Store
	player      Player
	readTimeout time.Duration
	agentOpts   []capability.Option

	mu       sync.Mutex
	speeches map[string]*speech
	wg       sync.WaitGroup
}

// New creates a Synthesizer that reads audio from store.
func New(store *attachment.Store, opts ...Option) *Synthesizer {
	s := &Synthesizer{
		store:       store,
		player:      DiscardPlayer{},
		readTimeout: DefaultReadTimeout,
		speeches:    make(map[string]*speech),
	}
	for _, opt := range opts {
		opt(s)
	}
	cfg := directive.Configuration{Namespace: Namespace, Version: Version}
	s.Agent = capability.NewAgent(cfg, s, s.agentOpts...)
	return s
}

// Wait blocks until every started playback has ended.
func (s *Synthesizer) Wait() {
	s.wg.Wait()
}

// Active returns the number of Speak directives pre-handled and not yet ended.
func (s *Synthesizer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.speeches)
}

// HandleImmediately is not supported for Speak: audio playback always reports a result.
func (s *Synthesizer) HandleImmediately(info *capability.DirectiveInfo) {
	slog.Warn(fmt.Sprintf("%s - ignoring immediate %s", logPrefix, info.Directive))
	if id := info.Directive.AttachmentID(); id != "" {
		s.store.Release(id)
	}
}

// PreHandle validates the directive and requests its audio so the attachment can arrive
// before Handle. A rejected directive releases its attachment before reporting.
func (s *Synthesizer) PreHandle(info *capability.DirectiveInfo) {
	d := info.Directive
	fail := func(reason string) {
		if id := d.AttachmentID(); id != "" {
			s.store.Release(id)
		}
		info.Result.ReportFailed(reason)
	}
	if d.Name() != DirectiveSpeak {
		fail(fmt.Sprintf("unsupported directive %s.%s", Namespace, d.Name()))
		return
	}

	var p speakPayload
	if err := commsutil.DecodePayload(d.Payload(), &p); err != nil {
		fail(fmt.Sprintf("invalid Speak payload: %v", err))
		return
	}
	id := d.AttachmentID()
	if id == "" {
		id = avs.AttachmentIDFromURL(p.URL)
	}
	if strings.TrimSpace(id) == "" {
		fail("Speak directive has no audio attachment")
		return
	}

	sp := &speech{
		info:         info,
		attachmentID: id,
		token:        p.Token,
		future:       s.store.RequestReader(id),
	}
	s.mu.Lock()
	s.speeches[info.MessageID()] = sp
	s.mu.Unlock()
}

// Handle starts playback on its own goroutine and returns.
func (s *Synthesizer) Handle(info *capability.DirectiveInfo) {
	s.mu.Lock()
	sp, ok := s.speeches[info.MessageID()]
	if !ok || sp.cancel != nil {
		s.mu.Unlock()
		info.Result.ReportFailed("Speak directive was not pre-handled")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sp.cancel = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go s.speak(ctx, sp)
}

// Cancel stops playback, or drops the directive if playback has not started.
func (s *Synthesizer) Cancel(info *capability.DirectiveInfo) {
	s.mu.Lock()
	sp, ok := s.speeches[info.MessageID()]
	delete(s.speeches, info.MessageID())
	s.mu.Unlock()
	if !ok {
		return
	}

	if sp.cancel != nil {
		sp.cancel()
		return
	}
	s.store.Release(sp.attachmentID)
}

func (s *Synthesizer) speak(ctx context.Context, sp *speech) {
	defer s.wg.Done()
	defer sp.cancel()
	defer s.finish(sp)

	waitCtx, cancelWait := context.WithTimeout(ctx, s.readTimeout)
	audio, err := sp.future.WaitContext(waitCtx)
	cancelWait()
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug(fmt.Sprintf("%s - %s canceled while waiting for audio", logPrefix, sp.info.Directive))
			return
		}
		sp.info.Result.ReportFailed(err.Error())
		return
	}

	s.sendToken(ctx, EventSpeechStarted, sp.token)
	if err := s.player.Play(ctx, audio); err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			slog.Info(fmt.Sprintf("%s - %s playback stopped", logPrefix, sp.info.Directive))
			return
		}
		sp.info.Result.ReportFailed(fmt.Sprintf("playback failed: %v", err))
		return
	}
	s.sendToken(ctx, EventSpeechFinished, sp.token)
	sp.info.Result.ReportCompleted()
}

// finish releases the attachment and forgets the directive.
func (s *Synthesizer) finish(sp *speech) {
	s.store.Release(sp.attachmentID)
	s.mu.Lock()
	if s.speeches[sp.info.MessageID()] == sp {
		delete(s.speeches, sp.info.MessageID())
	}
	s.mu.Unlock()
}

func (s *Synthesizer) sendToken(ctx context.Context, name, token string) {
	if _, err := s.SendEvent(ctx, capability.Event{Name: name, Payload: tokenPayload{Token: token}}); err != nil {
		slog.Warn(fmt.Sprintf("%s - failed to send %s: %v", logPrefix, name, err))
	}
}
