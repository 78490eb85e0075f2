// Package system implements the System capability: user inactivity tracking and
// ExceptionEncountered reporting.
package system

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/directive-core/pkg/capability"
	"github.com/morezero/directive-core/pkg/directive"
)

const logPrefix = "system:system"

const (
	Namespace = "System"
	Version   = "1.0.0"

	DirectiveResetUserInactivity = "ResetUserInactivity"

	EventExceptionEncountered = "ExceptionEncountered"
	EventUserInactivityReport = "UserInactivityReport"
)

// Exception types reported in ExceptionEncountered.
const (
	ExceptionUnexpectedInformation = "UNEXPECTED_INFORMATION_RECEIVED"
	ExceptionUnsupportedOperation  = "UNSUPPORTED_OPERATION"
	ExceptionInternalError         = "INTERNAL_ERROR"
)

type exceptionError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type exceptionPayload struct {
	UnparsedDirective string         `json:"unparsedDirective"`
	Error             exceptionError `json:"error"`
}

type inactivityPayload struct {
	InactiveTimeInSeconds int64 `json:"inactiveTimeInSeconds"`
}

// System is the System capability agent.
type System struct {
	*capability.Agent

	now func() time.Time

	mu           sync.Mutex
	lastActivity time.Time
}

// New creates a System agent. ResetUserInactivity is handled immediately.
func New(opts ...capability.Option) *System {
	s := &System{now: time.Now}
	s.lastActivity = s.now()
	cfg := directive.Configuration{
		Namespace: Namespace,
		Version:   Version,
		Policies:  map[string]directive.Policy{DirectiveResetUserInactivity: directive.PolicyImmediate},
	}
	s.Agent = capability.NewAgent(cfg, s, opts...)
	return s
}

// SetClock replaces the time source.
func (s *System) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.lastActivity = now()
}

// InactiveFor returns the time since the last recorded user activity.
func (s *System) InactiveFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now().Sub(s.lastActivity)
}

// ResetUserInactivity records user activity now.
func (s *System) ResetUserInactivity() {
	s.mu.Lock()
	s.lastActivity = s.now()
	s.mu.Unlock()
	slog.Debug(fmt.Sprintf("%s - user inactivity reset", logPrefix))
}

// HandleImmediately handles ResetUserInactivity.
func (s *System) HandleImmediately(info *capability.DirectiveInfo) {
	if info.Directive.Name() != DirectiveResetUserInactivity {
		slog.Warn(fmt.Sprintf("%s - ignoring %s", logPrefix, info.Directive))
		return
	}
	s.ResetUserInactivity()
}

// PreHandle rejects directives this agent does not know.
func (s *System) PreHandle(info *capability.DirectiveInfo) {
	if info.Directive.Name() != DirectiveResetUserInactivity {
		info.Result.ReportFailed(fmt.Sprintf("unsupported directive %s.%s", Namespace, info.Directive.Name()))
	}
}

// Handle handles a staged ResetUserInactivity.
func (s *System) Handle(info *capability.DirectiveInfo) {
	s.ResetUserInactivity()
	info.Result.ReportCompleted()
}

// Cancel has nothing to undo.
func (s *System) Cancel(*capability.DirectiveInfo) {}

// ReportException sends System.ExceptionEncountered for a directive the device could not
// process. message is sent verbatim.
func (s *System) ReportException(ctx context.Context, unparsedDirective, exceptionType, message string) (string, error) {
	slog.Info(fmt.Sprintf("%s - ExceptionEncountered type=%s message=%s", logPrefix, exceptionType, message))
	return s.SendEvent(ctx, capability.Event{
		Name: EventExceptionEncountered,
		Payload: exceptionPayload{
			UnparsedDirective: unparsedDirective,
			Error:             exceptionError{Type: exceptionType, Message: message},
		},
	})
}

// SendInactivityReport sends System.UserInactivityReport with the current inactivity time.
func (s *System) SendInactivityReport(ctx context.Context) (string, error) {
	seconds := int64(s.InactiveFor() / time.Second)
	return s.SendEvent(ctx, capability.Event{
		Name:    EventUserInactivityReport,
		Payload: inactivityPayload{InactiveTimeInSeconds: seconds},
	})
}
