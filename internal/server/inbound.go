package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/directive-core/pkg/agents/system"
	"github.com/morezero/directive-core/pkg/avs"
	"github.com/morezero/directive-core/pkg/commsutil"
	"github.com/morezero/directive-core/pkg/directive"
)

const inboundLogPrefix = "server:inbound"

// handleDirectiveMsg parses one directive and dispatches it. Unparsable directives and
// directives nobody handles are reported as ExceptionEncountered.
func (s *Server) handleDirectiveMsg(msg *comms.Msg) {
	dir, err := avs.ParseDirective(msg.Data)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - rejecting directive: %v", inboundLogPrefix, err))
		s.reportException(string(msg.Data), system.ExceptionUnexpectedInformation, err.Error())
		return
	}
	s.dispatch(dir)
}

func (s *Server) dispatch(dir *avs.Directive) {
	err := s.dispatcher.Dispatch(dir)
	if err == nil {
		return
	}

	var de *directive.DirectiveError
	switch {
	case errors.Is(err, directive.ErrRoutingError) && errors.As(err, &de):
		s.reportException(dir.Unparsed(), system.ExceptionUnsupportedOperation, de.Message)
	case errors.Is(err, directive.ErrStaleDialog):
		slog.Debug(fmt.Sprintf("%s - %v", inboundLogPrefix, err))
	default:
		slog.Warn(fmt.Sprintf("%s - dispatch %s: %v", inboundLogPrefix, dir, err))
	}
}

func (s *Server) reportException(unparsed, exceptionType, message string) {
	if _, err := s.system.ReportException(context.Background(), unparsed, exceptionType, message); err != nil {
		slog.Error(fmt.Sprintf("%s - ExceptionEncountered failed: %v", inboundLogPrefix, err))
	}
}

// handleAttachmentMsg provides the message body as the attachment named by the subject.
func (s *Server) handleAttachmentMsg(msg *comms.Msg) {
	id, ok := commsutil.AttachmentIDFromSubject(s.cfg.SubjectPrefix, msg.Subject)
	if !ok {
		slog.Warn(fmt.Sprintf("%s - attachment on unexpected subject %s", inboundLogPrefix, msg.Subject))
		return
	}
	if !s.store.Provide(id, bytes.NewReader(msg.Data)) {
		slog.Warn(fmt.Sprintf("%s - attachment %s already provided, ignoring duplicate", inboundLogPrefix, id))
		return
	}
	slog.Debug(fmt.Sprintf("%s - attachment %s provided (%d bytes)", inboundLogPrefix, id, len(msg.Data)))
}

type dialogMessage struct {
	DialogRequestID string `json:"dialogRequestId"`
}

// handleDialogMsg starts a new dialog turn. The body is either the bare id or
// {"dialogRequestId":"..."}.
func (s *Server) handleDialogMsg(msg *comms.Msg) {
	id, err := parseDialogRequestID(msg.Data)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - invalid dialog message: %v", inboundLogPrefix, err))
		return
	}
	s.dispatcher.SetDialogRequestID(id)
}

func parseDialogRequestID(data []byte) (string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var m dialogMessage
		if err := commsutil.DecodePayload(trimmed, &m); err != nil {
			return "", err
		}
		return strings.TrimSpace(m.DialogRequestID), nil
	}
	return string(trimmed), nil
}
