// Package capability provides the base that capability agents embed to satisfy the
// directive.Handler contract and to emit events.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/morezero/directive-core/pkg/avs"
	"github.com/morezero/directive-core/pkg/commsutil"
	"github.com/morezero/directive-core/pkg/directive"
	"github.com/morezero/directive-core/pkg/events"
)

const logPrefix = "capability:agent"

// DirectiveInfo is what a Processor sees for one directive. Result is nil for directives
// handled immediately.
type DirectiveInfo struct {
	Directive *avs.Directive
	Result    directive.ResultSink
}

// MessageID returns the directive's message id.
func (i *DirectiveInfo) MessageID() string {
	return i.Directive.MessageID()
}

// Processor implements the behavior of one capability.
type Processor interface {
	HandleImmediately(info *DirectiveInfo)
	PreHandle(info *DirectiveInfo)
	Handle(info *DirectiveInfo)
	Cancel(info *DirectiveInfo)
}

// ContextProvider returns the device context entries attached to outbound events.
type ContextProvider func() []json.RawMessage

// Option configures an Agent.
type Option func(*Agent)

// WithMessageChannel sets the channel events are sent through. Default: events.NoOpChannel.
func WithMessageChannel(ch events.MessageChannel) Option {
	return func(a *Agent) {
		a.channel = ch
	}
}

// WithBuilder sets the envelope builder.
func WithBuilder(b *events.Builder) Option {
	return func(a *Agent) {
		a.builder = b
	}
}

// WithContextProvider sets the source of event context.
func WithContextProvider(p ContextProvider) Option {
	return func(a *Agent) {
		a.contextProvider = p
	}
}

// Agent implements directive.Handler on top of a Processor. It tracks pre-handled directives
// so that HandleDirective and CancelDirective for unknown ids never reach the Processor.
type Agent struct {
	cfg             directive.Configuration
	proc            Processor
	channel         events.MessageChannel
	builder         *events.Builder
	contextProvider ContextProvider

	mu    sync.Mutex
	infos map[string]*DirectiveInfo
}

// NewAgent creates an Agent for cfg.
func NewAgent(cfg directive.Configuration, proc Processor, opts ...Option) *Agent {
	a := &Agent{
		cfg:     cfg,
		proc:    proc,
		channel: &events.NoOpChannel{},
		builder: events.NewBuilder(),
		infos:   make(map[string]*DirectiveInfo),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Configuration returns the capability configuration.
func (a *Agent) Configuration() directive.Configuration {
	return a.cfg
}

// Namespace returns the capability namespace.
func (a *Agent) Namespace() string {
	return a.cfg.Namespace
}

// HandleDirectiveImmediately passes d to the processor with no result sink.
func (a *Agent) HandleDirectiveImmediately(d *avs.Directive) {
	a.proc.HandleImmediately(&DirectiveInfo{Directive: d})
}

// PreHandleDirective records d and passes it to the processor.
func (a *Agent) PreHandleDirective(d *avs.Directive, result directive.ResultSink) {
	info := &DirectiveInfo{Directive: d}
	info.Result = &removingSink{agent: a, info: info, inner: result}

	a.mu.Lock()
	a.infos[d.MessageID()] = info
	a.mu.Unlock()

	a.proc.PreHandle(info)
}

// HandleDirective passes a pre-handled directive to the processor. It returns false for ids
// that were never pre-handled or are already finished.
func (a *Agent) HandleDirective(messageID string) bool {
	info := a.lookup(messageID)
	if info == nil {
		slog.Debug(fmt.Sprintf("%s - %s: handle for unknown id=%s", logPrefix, a.cfg.Namespace, messageID))
		return false
	}
	a.proc.Handle(info)
	return true
}

// CancelDirective forgets a pre-handled directive and passes it to the processor. Unknown
// ids are ignored.
func (a *Agent) CancelDirective(messageID string) {
	a.mu.Lock()
	info := a.infos[messageID]
	delete(a.infos, messageID)
	a.mu.Unlock()

	if info == nil {
		slog.Debug(fmt.Sprintf("%s - %s: cancel for unknown id=%s", logPrefix, a.cfg.Namespace, messageID))
		return
	}
	a.proc.Cancel(info)
}

// Pending returns the number of directives pre-handled but not yet finished.
func (a *Agent) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.infos)
}

func (a *Agent) lookup(messageID string) *DirectiveInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.infos[messageID]
}

func (a *Agent) forget(info *DirectiveInfo) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.infos[info.MessageID()] == info {
		delete(a.infos, info.MessageID())
	}
}

// Event is one outbound event of this capability.
type Event struct {
	// Namespace defaults to the agent's namespace.
	Namespace       string
	Name            string
	DialogRequestID string
	// Payload is encoded as JSON; json.RawMessage is sent as is.
	Payload    any
	Attachment io.Reader
	// OnSendCompleted may be nil.
	OnSendCompleted func(events.SendStatus, error)
}

// SendEvent builds the envelope for ev and hands it to the message channel. It returns the
// event's message id; delivery is reported through ev.OnSendCompleted.
func (a *Agent) SendEvent(ctx context.Context, ev Event) (string, error) {
	ns := ev.Namespace
	if ns == "" {
		ns = a.cfg.Namespace
	}

	var payload json.RawMessage
	switch p := ev.Payload.(type) {
	case nil:
	case json.RawMessage:
		payload = p
	default:
		data, err := commsutil.EncodePayload(p)
		if err != nil {
			return "", fmt.Errorf("%s - failed to encode %s.%s payload: %w", logPrefix, ns, ev.Name, err)
		}
		payload = data
	}

	var eventContext []json.RawMessage
	if a.contextProvider != nil {
		eventContext = a.contextProvider()
	}

	id, data, err := a.builder.Build(events.EventInput{
		Namespace:       ns,
		Name:            ev.Name,
		DialogRequestID: ev.DialogRequestID,
		Payload:         payload,
		Context:         eventContext,
	})
	if err != nil {
		return "", err
	}

	onDone := ev.OnSendCompleted
	req := events.NewMessageRequest(id, data, func(status events.SendStatus, err error) {
		if status != events.SendSuccess {
			slog.Warn(fmt.Sprintf("%s - %s.%s id=%s send %s: %v", logPrefix, ns, ev.Name, id, status, err))
		}
		if onDone != nil {
			onDone(status, err)
		}
	})
	if ev.Attachment != nil {
		req.WithAttachment(ev.Attachment)
	}
	a.channel.Send(ctx, req)
	return id, nil
}

// removingSink forgets the directive on its first terminal report.
type removingSink struct {
	agent *Agent
	info  *DirectiveInfo
	inner directive.ResultSink
}

func (s *removingSink) ReportCompleted() {
	s.agent.forget(s.info)
	s.inner.ReportCompleted()
}

func (s *removingSink) ReportFailed(reason string) {
	s.agent.forget(s.info)
	s.inner.ReportFailed(reason)
}
