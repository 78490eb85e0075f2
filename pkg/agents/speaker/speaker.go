// Package speaker implements the Speaker capability: device volume and mute.
package speaker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/directive-core/pkg/capability"
	"github.com/morezero/directive-core/pkg/commsutil"
	"github.com/morezero/directive-core/pkg/directive"
)

const logPrefix = "speaker:speaker"

const (
	Namespace = "Speaker"
	Version   = "1.0.0"

	DirectiveSetVolume    = "SetVolume"
	DirectiveAdjustVolume = "AdjustVolume"
	DirectiveSetMute      = "SetMute"

	EventVolumeChanged = "VolumeChanged"
	EventMuteChanged   = "MuteChanged"
)

const (
	MinVolume     = 0
	MaxVolume     = 100
	DefaultVolume = 50
)

// State is the speaker settings reported in events and context.
type State struct {
	Volume int  `json:"volume"`
	Muted  bool `json:"muted"`
}

type volumePayload struct {
	Volume *int `json:"volume"`
}

type mutePayload struct {
	Mute *bool `json:"mute"`
}

// change is a validated directive waiting to be applied.
type change struct {
	name   string
	volume int
	mute   bool
}

// Speaker is the Speaker capability agent.
type Speaker struct {
	*capability.Agent

	mu      sync.Mutex
	state   State
	pending map[string]change
}

// New creates a Speaker at DefaultVolume, unmuted.
func New(opts ...capability.Option) *Speaker {
	s := &Speaker{
		state:   State{Volume: DefaultVolume},
		pending: make(map[string]change),
	}
	cfg := directive.Configuration{Namespace: Namespace, Version: Version}
	s.Agent = capability.NewAgent(cfg, s, opts...)
	return s
}

// State returns the current settings.
func (s *Speaker) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

type contextHeader struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// ContextEntry returns the VolumeState context entry for outbound events, or nil when it
// cannot be encoded.
func (s *Speaker) ContextEntry() json.RawMessage {
	data, err := commsutil.EncodePayload(struct {
		Header  contextHeader `json:"header"`
		Payload State         `json:"payload"`
	}{
		Header:  contextHeader{Namespace: Namespace, Name: "VolumeState"},
		Payload: s.State(),
	})
	if err != nil {
		slog.Error(fmt.Sprintf("%s - VolumeState context: %v", logPrefix, err))
		return nil
	}
	return data
}

// HandleImmediately validates and applies the directive with no result reporting.
func (s *Speaker) HandleImmediately(info *capability.DirectiveInfo) {
	c, err := parseChange(info)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - ignoring %s: %v", logPrefix, info.Directive, err))
		return
	}
	if err := s.apply(info, c); err != nil {
		slog.Warn(fmt.Sprintf("%s - %s: %v", logPrefix, info.Directive, err))
	}
}

// PreHandle validates the payload. Invalid directives fail here and are never handled.
func (s *Speaker) PreHandle(info *capability.DirectiveInfo) {
	c, err := parseChange(info)
	if err != nil {
		info.Result.ReportFailed(err.Error())
		return
	}
	s.mu.Lock()
	s.pending[info.MessageID()] = c
	s.mu.Unlock()
}

// Handle applies the pre-handled change and reports the result.
func (s *Speaker) Handle(info *capability.DirectiveInfo) {
	s.mu.Lock()
	c, ok := s.pending[info.MessageID()]
	delete(s.pending, info.MessageID())
	s.mu.Unlock()
	if !ok {
		info.Result.ReportFailed("no validated change for directive")
		return
	}

	if err := s.apply(info, c); err != nil {
		info.Result.ReportFailed(err.Error())
		return
	}
	info.Result.ReportCompleted()
}

// Cancel drops a pending change.
func (s *Speaker) Cancel(info *capability.DirectiveInfo) {
	s.mu.Lock()
	delete(s.pending, info.MessageID())
	s.mu.Unlock()
}

func (s *Speaker) apply(info *capability.DirectiveInfo, c change) error {
	s.mu.Lock()
	event := EventVolumeChanged
	switch c.name {
	case DirectiveSetVolume:
		s.state.Volume = c.volume
	case DirectiveAdjustVolume:
		s.state.Volume = clamp(s.state.Volume + c.volume)
	case DirectiveSetMute:
		s.state.Muted = c.mute
		event = EventMuteChanged
	}
	st := s.state
	s.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - %s id=%s volume=%d muted=%v", logPrefix, c.name, info.MessageID(), st.Volume, st.Muted))
	_, err := s.SendEvent(context.Background(), capability.Event{Name: event, Payload: st})
	return err
}

func parseChange(info *capability.DirectiveInfo) (change, error) {
	d := info.Directive
	c := change{name: d.Name()}
	switch d.Name() {
	case DirectiveSetVolume, DirectiveAdjustVolume:
		var p volumePayload
		if err := commsutil.DecodePayload(d.Payload(), &p); err != nil {
			return c, fmt.Errorf("invalid %s payload: %w", d.Name(), err)
		}
		if p.Volume == nil {
			return c, fmt.Errorf("%s payload is missing volume", d.Name())
		}
		lo := MinVolume
		if d.Name() == DirectiveAdjustVolume {
			lo = -MaxVolume
		}
		if *p.Volume < lo || *p.Volume > MaxVolume {
			return c, fmt.Errorf("%s volume %d out of range [%d, %d]", d.Name(), *p.Volume, lo, MaxVolume)
		}
		c.volume = *p.Volume
	case DirectiveSetMute:
		var p mutePayload
		if err := commsutil.DecodePayload(d.Payload(), &p); err != nil {
			return c, fmt.Errorf("invalid %s payload: %w", d.Name(), err)
		}
		if p.Mute == nil {
			return c, fmt.Errorf("%s payload is missing mute", d.Name())
		}
		c.mute = *p.Mute
	default:
		return c, fmt.Errorf("unsupported directive %s.%s", Namespace, d.Name())
	}
	return c, nil
}

func clamp(v int) int {
	if v < MinVolume {
		return MinVolume
	}
	if v > MaxVolume {
		return MaxVolume
	}
	return v
}
