package directive

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	masterminds "github.com/Masterminds/semver/v3"

	"github.com/morezero/directive-core/pkg/avs"
)

const logPrefix = "directive:dispatcher"

// State is the lifecycle state of a staged directive.
type State int

const (
	StateReceived State = iota + 1
	StatePreHandled
	StateHandling
	StateCompleted
	StateFailed
	StateCanceled
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StatePreHandled:
		return "prehandled"
	case StateHandling:
		return "handling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Outcome is delivered to the result observer once per staged directive.
type Outcome struct {
	Directive *avs.Directive
	Result    Result
}

// Err returns a HANDLER_FAILURE error carrying the verbatim reason for a failed outcome,
// and nil otherwise.
func (o Outcome) Err() error {
	if o.Result.Status != StatusFailed {
		return nil
	}
	err := NewDirectiveError(CodeHandlerFailure, o.Result.Reason)
	if o.Directive != nil {
		err.Namespace = o.Directive.Namespace()
		err.MessageID = o.Directive.MessageID()
	}
	return err
}

// ResultObserver receives terminal outcomes. It runs outside the dispatcher lock on the
// goroutine that produced the outcome.
type ResultObserver func(Outcome)

// RecordInfo is a snapshot of one in-flight directive.
type RecordInfo struct {
	MessageID       string `json:"messageId"`
	Namespace       string `json:"namespace"`
	Name            string `json:"name"`
	DialogRequestID string `json:"dialogRequestId,omitempty"`
	State           string `json:"state"`
}

// record is the lifecycle record of one staged directive.
type record struct {
	directive *avs.Directive
	// handler is captured at admission so unregistering a namespace never strands a record.
	handler Handler
	state   State
	sink    *Sink
	// ready is closed once PreHandleDirective has returned.
	ready chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithResultObserver sets the observer for terminal outcomes.
func WithResultObserver(obs ResultObserver) Option {
	return func(d *Dispatcher) {
		d.observer = obs
	}
}

// Dispatcher routes directives by namespace and drives the staged lifecycle
// Received → PreHandled → Handling → {Completed, Failed, Canceled}.
//
// All state checks and transitions happen under one lock; handler callbacks are always
// invoked outside it.
type Dispatcher struct {
	mu              sync.Mutex
	handlers        map[string]Handler
	overrides       map[string]Policy
	records         map[string]*record
	dialogRequestID string
	observer        ResultObserver
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers:  make(map[string]Handler),
		overrides: make(map[string]Policy),
		records:   make(map[string]*record),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a handler under its configured namespace.
func (d *Dispatcher) Register(h Handler) error {
	if h == nil {
		return &DirectiveError{Code: CodeInvalidConfiguration, Message: "handler is nil"}
	}
	cfg := h.Configuration()
	ns := strings.TrimSpace(cfg.Namespace)
	if ns == "" {
		return &DirectiveError{Code: CodeInvalidConfiguration, Message: "handler namespace is empty"}
	}
	if cfg.Version != "" {
		if _, err := masterminds.NewVersion(cfg.Version); err != nil {
			return &DirectiveError{
				Code:      CodeInvalidConfiguration,
				Message:   fmt.Sprintf("invalid interface version %q: %v", cfg.Version, err),
				Namespace: ns,
			}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[ns]; exists {
		return &DirectiveError{
			Code:      CodeInvalidConfiguration,
			Message:   "a handler is already registered for this namespace",
			Namespace: ns,
		}
	}
	d.handlers[ns] = h
	slog.Info(fmt.Sprintf("%s - Registered handler namespace=%s version=%s", logPrefix, ns, cfg.Version))
	return nil
}

// Unregister removes the handler for namespace. Directives already admitted keep running
// against the handler they were admitted with.
func (d *Dispatcher) Unregister(namespace string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[namespace]; !ok {
		return false
	}
	delete(d.handlers, namespace)
	slog.Info(fmt.Sprintf("%s - Unregistered handler namespace=%s", logPrefix, namespace))
	return true
}

// Namespaces returns the registered namespaces, sorted.
func (d *Dispatcher) Namespaces() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.handlers))
	for ns := range d.handlers {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// SetPolicy overrides the dispatch policy for one directive, taking precedence over the
// handler's own configuration.
func (d *Dispatcher) SetPolicy(namespace, name string, p Policy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overrides[policyKey(namespace, name)] = p
}

func policyKey(namespace, name string) string {
	return namespace + "." + name
}

// routeLocked returns the handler and policy for dir. Caller holds d.mu.
func (d *Dispatcher) routeLocked(dir *avs.Directive) (Handler, Policy, error) {
	h, ok := d.handlers[dir.Namespace()]
	if !ok {
		return nil, PolicyStaged, &DirectiveError{
			Code:      CodeRoutingError,
			Message:   fmt.Sprintf("no handler registered for %s.%s", dir.Namespace(), dir.Name()),
			Namespace: dir.Namespace(),
			MessageID: dir.MessageID(),
		}
	}
	if p, ok := d.overrides[policyKey(dir.Namespace(), dir.Name())]; ok {
		return h, p, nil
	}
	return h, h.Configuration().Policy(dir.Name()), nil
}

// staleLocked reports whether dir belongs to a dialog turn other than the current one.
func (d *Dispatcher) staleLocked(dir *avs.Directive) bool {
	id := dir.DialogRequestID()
	return d.dialogRequestID != "" && id != "" && id != d.dialogRequestID
}

// Dispatch delivers dir according to its policy: immediately, or through PreHandle and
// Handle. Routing failures are returned and never reach a handler.
func (d *Dispatcher) Dispatch(dir *avs.Directive) error {
	if dir == nil {
		return NewDirectiveError(CodeInvalidDirective, "directive is nil")
	}

	d.mu.Lock()
	h, policy, err := d.routeLocked(dir)
	if err == nil && d.staleLocked(dir) {
		err = d.staleError(dir)
	}
	d.mu.Unlock()
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping %s: %v", logPrefix, dir, err))
		return err
	}

	if policy == PolicyImmediate {
		slog.Debug(fmt.Sprintf("%s - handle immediately %s", logPrefix, dir))
		h.HandleDirectiveImmediately(dir)
		return nil
	}

	if err := d.PreHandle(dir); err != nil {
		return err
	}
	d.Handle(dir.MessageID())
	return nil
}

func (d *Dispatcher) staleError(dir *avs.Directive) error {
	return &DirectiveError{
		Code:      CodeStaleDialog,
		Message:   fmt.Sprintf("dialogRequestId %s is not the current dialog %s", dir.DialogRequestID(), d.dialogRequestID),
		Namespace: dir.Namespace(),
		MessageID: dir.MessageID(),
	}
}

// PreHandle admits dir as a staged directive and calls the handler's PreHandleDirective.
// It returns once pre-handling has returned.
func (d *Dispatcher) PreHandle(dir *avs.Directive) error {
	if dir == nil {
		return NewDirectiveError(CodeInvalidDirective, "directive is nil")
	}
	id := dir.MessageID()

	d.mu.Lock()
	h, _, err := d.routeLocked(dir)
	if err == nil && d.staleLocked(dir) {
		err = d.staleError(dir)
	}
	if err == nil {
		if _, exists := d.records[id]; exists {
			err = &DirectiveError{
				Code:      CodeDuplicateDirective,
				Message:   "a directive with this messageId is already in flight",
				Namespace: dir.Namespace(),
				MessageID: id,
			}
		}
	}
	if err != nil {
		d.mu.Unlock()
		slog.Warn(fmt.Sprintf("%s - dropping %s: %v", logPrefix, dir, err))
		return err
	}

	rec := &record{
		directive: dir,
		handler:   h,
		state:     StateReceived,
		ready:     make(chan struct{}),
	}
	rec.sink = NewResultSink(id, func(r Result) {
		d.finish(rec, r)
	})
	d.records[id] = rec
	d.mu.Unlock()

	slog.Debug(fmt.Sprintf("%s - pre-handle %s", logPrefix, dir))
	h.PreHandleDirective(dir, rec.sink)

	d.mu.Lock()
	if rec.state == StateReceived {
		rec.state = StatePreHandled
	}
	d.mu.Unlock()
	close(rec.ready)
	return nil
}

// Handle calls the handler's HandleDirective for a pre-handled directive. It returns false,
// without calling the handler, if no pre-handled directive with messageID is in flight.
func (d *Dispatcher) Handle(messageID string) bool {
	rec := d.lookup(messageID)
	if rec == nil {
		slog.Debug(fmt.Sprintf("%s - %s: handle without pre-handle id=%s", logPrefix, CodeProtocolViolation, messageID))
		return false
	}
	<-rec.ready

	d.mu.Lock()
	if d.records[messageID] != rec || rec.state != StatePreHandled {
		state := rec.state
		d.mu.Unlock()
		slog.Debug(fmt.Sprintf("%s - %s: handle in state %s id=%s", logPrefix, CodeProtocolViolation, state, messageID))
		return false
	}
	rec.state = StateHandling
	d.mu.Unlock()

	slog.Debug(fmt.Sprintf("%s - handle %s", logPrefix, rec.directive))
	if rec.handler.HandleDirective(messageID) {
		return true
	}

	d.mu.Lock()
	removed := d.records[messageID] == rec
	if removed {
		delete(d.records, messageID)
		rec.state = StateFailed
	}
	d.mu.Unlock()

	slog.Warn(fmt.Sprintf("%s - handler rejected %s", logPrefix, rec.directive))
	if removed {
		d.notify(Outcome{Directive: rec.directive, Result: Result{Status: StatusFailed, Reason: "handler did not accept directive"}})
	}
	return false
}

// Cancel cancels an in-flight staged directive. It is a no-op returning false when no
// pre-handled directive with messageID is in flight, including after a terminal report.
func (d *Dispatcher) Cancel(messageID string) bool {
	rec := d.lookup(messageID)
	if rec == nil {
		slog.Debug(fmt.Sprintf("%s - %s: cancel without pre-handle id=%s", logPrefix, CodeProtocolViolation, messageID))
		return false
	}
	<-rec.ready

	d.mu.Lock()
	if d.records[messageID] != rec {
		d.mu.Unlock()
		return false
	}
	delete(d.records, messageID)
	rec.state = StateCanceled
	d.mu.Unlock()

	d.deliverCancel(rec)
	return true
}

// SetDialogRequestID starts a new dialog turn. In-flight directives that belong to a
// different dialog turn are canceled, and later directives carrying a stale
// dialogRequestId are dropped. Directives without a dialogRequestId are unaffected.
func (d *Dispatcher) SetDialogRequestID(id string) {
	d.mu.Lock()
	if d.dialogRequestID == id {
		d.mu.Unlock()
		return
	}
	d.dialogRequestID = id

	var canceled []*record
	for mid, rec := range d.records {
		dialog := rec.directive.DialogRequestID()
		if dialog == "" || dialog == id {
			continue
		}
		delete(d.records, mid)
		rec.state = StateCanceled
		canceled = append(canceled, rec)
	}
	d.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - dialogRequestId=%s canceled=%d", logPrefix, id, len(canceled)))
	for _, rec := range canceled {
		<-rec.ready
		d.deliverCancel(rec)
	}
}

// DialogRequestID returns the current dialog request id.
func (d *Dispatcher) DialogRequestID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dialogRequestID
}

// State returns the lifecycle state of an in-flight directive.
func (d *Dispatcher) State(messageID string) (State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[messageID]
	if !ok {
		return 0, false
	}
	return rec.state, true
}

// InFlight returns a snapshot of all in-flight staged directives, ordered by message id.
func (d *Dispatcher) InFlight() []RecordInfo {
	d.mu.Lock()
	out := make([]RecordInfo, 0, len(d.records))
	for id, rec := range d.records {
		out = append(out, RecordInfo{
			MessageID:       id,
			Namespace:       rec.directive.Namespace(),
			Name:            rec.directive.Name(),
			DialogRequestID: rec.directive.DialogRequestID(),
			State:           rec.state.String(),
		})
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	return out
}

// Shutdown cancels every in-flight directive.
func (d *Dispatcher) Shutdown() {
	d.mu.Lock()
	recs := make([]*record, 0, len(d.records))
	for id, rec := range d.records {
		delete(d.records, id)
		rec.state = StateCanceled
		recs = append(recs, rec)
	}
	d.mu.Unlock()

	for _, rec := range recs {
		<-rec.ready
		d.deliverCancel(rec)
	}
	slog.Info(fmt.Sprintf("%s - Shutdown canceled %d directives", logPrefix, len(recs)))
}

func (d *Dispatcher) lookup(messageID string) *record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.records[messageID]
}

func (d *Dispatcher) deliverCancel(rec *record) {
	slog.Debug(fmt.Sprintf("%s - cancel %s", logPrefix, rec.directive))
	rec.handler.CancelDirective(rec.directive.MessageID())
	d.notify(Outcome{Directive: rec.directive, Result: Result{Status: StatusCanceled}})
}

// finish applies the first terminal report for rec. A report for a record that was already
// removed, by cancellation or otherwise, is dropped.
func (d *Dispatcher) finish(rec *record, r Result) {
	id := rec.directive.MessageID()

	d.mu.Lock()
	if d.records[id] != rec {
		d.mu.Unlock()
		slog.Debug(fmt.Sprintf("%s - dropping late %s report for id=%s", logPrefix, r.Status, id))
		return
	}
	delete(d.records, id)
	if r.Status == StatusFailed {
		rec.state = StateFailed
	} else {
		rec.state = StateCompleted
	}
	d.mu.Unlock()

	if r.Status == StatusFailed {
		slog.Warn(fmt.Sprintf("%s - %s failed: %s", logPrefix, rec.directive, r.Reason))
	} else {
		slog.Debug(fmt.Sprintf("%s - %s completed", logPrefix, rec.directive))
	}
	d.notify(Outcome{Directive: rec.directive, Result: r})
}

func (d *Dispatcher) notify(o Outcome) {
	if d.observer != nil {
		d.observer(o)
	}
}
