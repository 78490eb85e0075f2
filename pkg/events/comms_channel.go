package events

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/directive-core/pkg/commsutil"
)

const commsChannelLogPrefix = "events:comms_channel"

const (
	defaultQueueSize    = 64
	defaultFlushTimeout = 2 * time.Second
)

// ErrChannelClosed is reported for requests sent after Close.
var ErrChannelClosed = errors.New("message channel closed")

// ErrNotConnected is reported for requests sent while the transport is down.
var ErrNotConnected = errors.New("message channel not connected")

// ErrQueueFull is reported when the send queue has no room.
var ErrQueueFull = errors.New("message channel queue full")

// CommsChannelOpts configures CommsChannel. Nil or zero values use defaults.
type CommsChannelOpts struct {
	// Subject overrides the events subject (default "<commsutil.DefaultSubjectPrefix>.events").
	Subject string
	// QueueSize bounds the number of requests waiting for the send worker.
	QueueSize int
	// FlushTimeout bounds the wait for the server to acknowledge each message.
	FlushTimeout time.Duration
}

// CommsChannel publishes event envelopes to a COMMS subject. A single worker sends requests in
// the order Send accepted them.
type CommsChannel struct {
	nc           *comms.Conn
	tracker      *StatusTracker
	subject      string
	flushTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan *MessageRequest
	done   chan struct{}
}

// NewCommsChannel creates a channel and starts its send worker. Pass nil for opts to use
// defaults. The tracker gates sends: requests made while it is not connected complete with
// SendChannelUnusable.
func NewCommsChannel(nc *comms.Conn, tracker *StatusTracker, opts *CommsChannelOpts) *CommsChannel {
	subject := commsutil.EventsSubject(commsutil.DefaultSubjectPrefix)
	queueSize := defaultQueueSize
	flushTimeout := defaultFlushTimeout
	if opts != nil {
		if opts.Subject != "" {
			subject = opts.Subject
		}
		if opts.QueueSize > 0 {
			queueSize = opts.QueueSize
		}
		if opts.FlushTimeout > 0 {
			flushTimeout = opts.FlushTimeout
		}
	}

	c := &CommsChannel{
		nc:           nc,
		tracker:      tracker,
		subject:      subject,
		flushTimeout: flushTimeout,
		queue:        make(chan *MessageRequest, queueSize),
		done:         make(chan struct{}),
	}
	go c.run()
	return c
}

// Subject returns the events subject.
func (c *CommsChannel) Subject() string {
	return c.subject
}

// Send queues req for the worker. It never blocks.
func (c *CommsChannel) Send(ctx context.Context, req *MessageRequest) {
	if err := ctx.Err(); err != nil {
		req.Complete(SendFailed, err)
		return
	}
	if !c.tracker.Connected() {
		req.Complete(SendChannelUnusable, ErrNotConnected)
		return
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		req.Complete(SendChannelUnusable, ErrChannelClosed)
		return
	}
	select {
	case c.queue <- req:
	default:
		slog.Warn(fmt.Sprintf("%s - queue full, dropping %s", commsChannelLogPrefix, req.MessageID))
		req.Complete(SendFailed, ErrQueueFull)
	}
}

// Close stops accepting requests and waits for queued ones to be sent.
func (c *CommsChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return
	}
	c.closed = true
	close(c.queue)
	c.mu.Unlock()
	<-c.done
}

func (c *CommsChannel) run() {
	defer close(c.done)
	for req := range c.queue {
		if !c.tracker.Connected() {
			req.Complete(SendChannelUnusable, ErrNotConnected)
			continue
		}
		if err := c.publish(req); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to send %s: %v", commsChannelLogPrefix, req.MessageID, err))
			req.Complete(SendFailed, err)
			continue
		}
		slog.Debug(fmt.Sprintf("%s - Sent event %s to %s", commsChannelLogPrefix, req.MessageID, c.subject))
		req.Complete(SendSuccess, nil)
	}
}

func (c *CommsChannel) publish(req *MessageRequest) error {
	msg := comms.NewMsg(c.subject)
	msg.Data = req.Envelope
	msg.Header.Set(commsutil.HeaderMessageID, req.MessageID)

	if req.Attachment != nil {
		data, err := io.ReadAll(req.Attachment)
		if err != nil {
			return fmt.Errorf("%s - failed to read attachment: %w", commsChannelLogPrefix, err)
		}
		attachmentSubject := commsutil.EventAttachmentSubject(c.subject, req.MessageID)
		if err := c.nc.Publish(attachmentSubject, data); err != nil {
			return fmt.Errorf("%s - failed to publish attachment to %s: %w", commsChannelLogPrefix, attachmentSubject, err)
		}
		msg.Header.Set(commsutil.HeaderAttachmentSubject, attachmentSubject)
	}

	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("%s - failed to publish to %s: %w", commsChannelLogPrefix, c.subject, err)
	}
	if err := c.nc.FlushTimeout(c.flushTimeout); err != nil {
		return fmt.Errorf("%s - flush failed: %w", commsChannelLogPrefix, err)
	}
	return nil
}
