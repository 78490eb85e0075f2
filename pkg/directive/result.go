package directive

import (
	"sync"
)

// Status is a terminal directive outcome.
type Status int

const (
	StatusCompleted Status = iota + 1
	StatusFailed
	// StatusCanceled is only produced by the dispatcher, never by a ResultSink.
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Result is the terminal report for one directive.
type Result struct {
	Status Status
	Reason string
}

// ResultSink is the one-shot channel through which a handler reports a staged directive's
// outcome. Only the first report counts; later calls have no effect.
type ResultSink interface {
	ReportCompleted()
	ReportFailed(reason string)
}

// Sink is the ResultSink bound to a single message id.
type Sink struct {
	messageID string
	onResult  func(Result)

	mu     sync.Mutex
	result Result
	done   bool
}

// NewResultSink creates a sink for messageID. onResult is invoked exactly once, with the
// first report, on the reporting goroutine. It may be nil.
func NewResultSink(messageID string, onResult func(Result)) *Sink {
	return &Sink{messageID: messageID, onResult: onResult}
}

// MessageID returns the id of the directive this sink belongs to.
func (s *Sink) MessageID() string {
	return s.messageID
}

// ReportCompleted reports success.
func (s *Sink) ReportCompleted() {
	s.report(Result{Status: StatusCompleted})
}

// ReportFailed reports failure; the reason is preserved verbatim.
func (s *Sink) ReportFailed(reason string) {
	s.report(Result{Status: StatusFailed, Reason: reason})
}

// Result returns the first reported result. ok is false until a report arrives.
func (s *Sink) Result() (r Result, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.done
}

func (s *Sink) report(r Result) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.result = r
	s.done = true
	s.mu.Unlock()

	if s.onResult != nil {
		s.onResult(r)
	}
}
