package events

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// SendStatus is the outcome of one send attempt.
type SendStatus int

const (
	// SendSuccess means the transport accepted the message.
	SendSuccess SendStatus = iota + 1
	// SendFailed means the transport was usable but the send did not go through.
	SendFailed
	// SendChannelUnusable means the channel was not connected or already closed.
	SendChannelUnusable
)

func (s SendStatus) String() string {
	switch s {
	case SendSuccess:
		return "success"
	case SendFailed:
		return "failed"
	case SendChannelUnusable:
		return "channel_unusable"
	default:
		return fmt.Sprintf("SendStatus(%d)", int(s))
	}
}

// MessageRequest is one outbound event, optionally with a binary attachment.
type MessageRequest struct {
	MessageID  string
	Envelope   []byte
	Attachment io.Reader

	onSendCompleted func(SendStatus, error)
	once            sync.Once
}

// NewMessageRequest creates a request. onSendCompleted may be nil.
func NewMessageRequest(messageID string, envelope []byte, onSendCompleted func(SendStatus, error)) *MessageRequest {
	return &MessageRequest{MessageID: messageID, Envelope: envelope, onSendCompleted: onSendCompleted}
}

// WithAttachment attaches binary content sent ahead of the envelope.
func (r *MessageRequest) WithAttachment(attachment io.Reader) *MessageRequest {
	r.Attachment = attachment
	return r
}

// Complete reports the send outcome. Only the first call has an effect.
func (r *MessageRequest) Complete(status SendStatus, err error) {
	r.once.Do(func() {
		if r.onSendCompleted != nil {
			r.onSendCompleted(status, err)
		}
	})
}

// MessageChannel delivers outbound events. Send never blocks on the transport; the outcome is
// reported through the request's completion callback. Nothing is retried.
type MessageChannel interface {
	Send(ctx context.Context, req *MessageRequest)
}

// NoOpChannel is a MessageChannel that accepts and drops everything (for in-process usage
// without a transport).
type NoOpChannel struct{}

// Send completes req with SendSuccess.
func (c *NoOpChannel) Send(_ context.Context, req *MessageRequest) {
	req.Complete(SendSuccess, nil)
}

// CallbackChannel is a MessageChannel that calls a callback function (for testing).
type CallbackChannel struct {
	callback func(ctx context.Context, req *MessageRequest) error
}

// NewCallbackChannel creates a new CallbackChannel.
func NewCallbackChannel(cb func(ctx context.Context, req *MessageRequest) error) *CallbackChannel {
	return &CallbackChannel{callback: cb}
}

// Send calls the callback and completes req with its result.
func (c *CallbackChannel) Send(ctx context.Context, req *MessageRequest) {
	if err := c.callback(ctx, req); err != nil {
		req.Complete(SendFailed, err)
		return
	}
	req.Complete(SendSuccess, nil)
}
