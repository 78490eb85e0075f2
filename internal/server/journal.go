package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/directive-core/pkg/db"
	"github.com/morezero/directive-core/pkg/directive"
	"github.com/morezero/directive-core/pkg/events"
)

const journalLogPrefix = "server:journal"

// JournalStore is the persistence used by the journal writer; *db.Repository implements it.
type JournalStore interface {
	RecordOutcome(ctx context.Context, params db.RecordOutcomeParams) (*db.OutcomeRecord, error)
	RecordSend(ctx context.Context, params db.RecordSendParams) (*db.SendRecord, error)
	CountOutcomes(ctx context.Context) (map[string]int, error)
}

const (
	journalQueueSize    = 256
	journalWriteTimeout = 5 * time.Second
)

type journalEntry struct {
	outcome *db.RecordOutcomeParams
	send    *db.RecordSendParams
}

// journalWriter writes entries from a single worker so outcome callbacks never block on the
// database. Entries are dropped when the queue is full.
type journalWriter struct {
	store JournalStore
	queue chan journalEntry

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newJournalWriter(store JournalStore) *journalWriter {
	w := &journalWriter{
		store: store,
		queue: make(chan journalEntry, journalQueueSize),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *journalWriter) enqueue(e journalEntry) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.queue <- e:
	default:
		slog.Warn(fmt.Sprintf("%s - queue full, dropping journal entry", journalLogPrefix))
	}
}

// RecordOutcome queues a terminal directive outcome.
func (w *journalWriter) RecordOutcome(o directive.Outcome) {
	p := db.RecordOutcomeParams{
		MessageID:       o.Directive.MessageID(),
		Namespace:       o.Directive.Namespace(),
		Name:            o.Directive.Name(),
		DialogRequestID: o.Directive.DialogRequestID(),
		Status:          o.Result.Status.String(),
		Reason:          o.Result.Reason,
	}
	w.enqueue(journalEntry{outcome: &p})
}

// RecordSend queues one event send completion.
func (w *journalWriter) RecordSend(header events.EventHeader, status events.SendStatus, err error) {
	p := db.RecordSendParams{
		MessageID: header.MessageID,
		Namespace: header.Namespace,
		Name:      header.Name,
		Status:    status.String(),
	}
	if err != nil {
		p.Error = err.Error()
	}
	w.enqueue(journalEntry{send: &p})
}

// Counts returns outcome counts by status.
func (w *journalWriter) Counts(ctx context.Context) (map[string]int, error) {
	return w.store.CountOutcomes(ctx)
}

// Close stops accepting entries and waits for queued entries to be written.
func (w *journalWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}

func (w *journalWriter) run() {
	defer close(w.done)
	for e := range w.queue {
		w.write(e)
	}
}

func (w *journalWriter) write(e journalEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	switch {
	case e.outcome != nil:
		if _, err := w.store.RecordOutcome(ctx, *e.outcome); err != nil {
			slog.Error(fmt.Sprintf("%s - record outcome %s: %v", journalLogPrefix, e.outcome.MessageID, err))
		}
	case e.send != nil:
		if _, err := w.store.RecordSend(ctx, *e.send); err != nil {
			slog.Error(fmt.Sprintf("%s - record send %s: %v", journalLogPrefix, e.send.MessageID, err))
		}
	}
}

// journalingChannel records every send completion of the wrapped channel.
type journalingChannel struct {
	next    events.MessageChannel
	journal *journalWriter
}

func (c *journalingChannel) Send(ctx context.Context, req *events.MessageRequest) {
	var header events.EventHeader
	if env, err := events.ParseEnvelope(req.Envelope); err == nil {
		header = env.Event.Header
	} else {
		header.MessageID = req.MessageID
	}

	wrapped := events.NewMessageRequest(req.MessageID, req.Envelope, func(status events.SendStatus, err error) {
		c.journal.RecordSend(header, status, err)
		req.Complete(status, err)
	})
	if req.Attachment != nil {
		wrapped.WithAttachment(req.Attachment)
	}
	c.next.Send(ctx, wrapped)
}
