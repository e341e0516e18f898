// Package realtime delivers row-level change events to scoped subscribers.
//
// A Bridge turns a raw subject subscription into a scoped one: each Handle
// carries a predicate that filters the table-wide feed down to the records
// its owner cares about (one conversation, one user's notifications). The
// owner must release every handle it acquires with Unsubscribe.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/jobboard/internal/model"
	"github.com/capitalize-ai/jobboard/pkg/logger"
	"github.com/capitalize-ai/jobboard/pkg/metrics"
)

// SubjectPrefix is the prefix for all change event subjects.
const SubjectPrefix = "realtime"

// Subject returns the subject a change of kind on table is published to.
func Subject(table string, kind model.ChangeKind) string {
	return fmt.Sprintf("%s.%s.%s", SubjectPrefix, table, kind)
}

// ErrConnection is returned when a subscription cannot be established or
// has been dropped by the transport.
var ErrConnection = errors.New("realtime connection failure")

// ErrClosed is returned by Subscribe after the bridge has been closed.
var ErrClosed = errors.New("realtime bridge closed")

// Subscription is a live transport subscription.
type Subscription interface {
	Unsubscribe() error
}

// Transport delivers raw change event payloads for a subject, in order.
type Transport interface {
	Subscribe(subject string, deliver func(data []byte)) (Subscription, error)
}

// Scope identifies the logical channel a handle listens on.
type Scope struct {
	Table string
	Kind  model.ChangeKind
	// Key names the scope for logs, e.g. "conversation:<id>".
	Key string
}

func (s Scope) String() string {
	return s.Table + "/" + s.Key
}

// Predicate filters change events to those relevant to a scope.
type Predicate func(model.ChangeEvent) bool

// Option configures a subscription.
type Option func(*Handle)

// WithOnDrop registers fn to run if the transport drops the subscription.
func WithOnDrop(fn func(error)) Option {
	return func(h *Handle) {
		h.onDrop = fn
	}
}

// Handle is an opaque reference to one live subscription.
type Handle struct {
	id    uint64
	scope Scope

	mu      sync.Mutex
	closed  bool
	sub     Subscription
	onEvent func(model.ChangeEvent)
	onDrop  func(error)
}

// Scope returns the scope the handle was acquired for.
func (h *Handle) Scope() Scope {
	return h.scope
}

// Bridge owns every live subscription it hands out.
type Bridge struct {
	transport Transport
	logger    *logger.Logger

	mu      sync.Mutex
	nextID  uint64
	handles map[uint64]*Handle
	closed  bool
}

// NewBridge creates a bridge over a transport.
func NewBridge(transport Transport, log *logger.Logger) *Bridge {
	return &Bridge{
		transport: transport,
		logger:    log.Named("realtime"),
		handles:   make(map[uint64]*Handle),
	}
}

// Subscribe starts delivering every event on the scope's subject that
// satisfies predicate to onEvent, in transport order. A nil predicate
// accepts every event. onEvent must not call Unsubscribe on its own handle.
func (b *Bridge) Subscribe(scope Scope, predicate Predicate, onEvent func(model.ChangeEvent), opts ...Option) (*Handle, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.nextID++
	h := &Handle{id: b.nextID, scope: scope, onEvent: onEvent}
	b.mu.Unlock()

	for _, opt := range opts {
		opt(h)
	}

	// Hold the handle lock until the transport subscription is recorded so
	// an early delivery cannot race the assignment below.
	h.mu.Lock()
	sub, err := b.transport.Subscribe(Subject(scope.Table, scope.Kind), func(data []byte) {
		b.dispatch(h, predicate, data)
	})
	if err != nil {
		h.closed = true
		h.mu.Unlock()
		b.logger.Warn("subscribe failed", logger.Scope(scope), zap.Error(err))
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrConnection, scope, err)
	}
	h.sub = sub
	h.mu.Unlock()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.release(h)
		return nil, ErrClosed
	}
	b.handles[h.id] = h
	b.mu.Unlock()

	metrics.SubscriptionsActive.WithLabelValues(scope.Table).Inc()
	b.logger.Debug("subscribed", logger.Scope(scope), zap.Uint64("handle", h.id))
	return h, nil
}

func (b *Bridge) dispatch(h *Handle, predicate Predicate, data []byte) {
	var event model.ChangeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		b.logger.Warn("dropping malformed change event", logger.Scope(h.scope), zap.Error(err))
		return
	}
	if event.Table != h.scope.Table || event.Kind != h.scope.Kind {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if predicate != nil && !predicate(event) {
		return
	}
	metrics.EventsDelivered.WithLabelValues(h.scope.Table).Inc()
	h.onEvent(event)
}

// Unsubscribe releases h. It is idempotent and accepts nil. Once it
// returns, onEvent for h is never called again.
func (b *Bridge) Unsubscribe(h *Handle) error {
	if h == nil {
		return nil
	}

	b.mu.Lock()
	_, owned := b.handles[h.id]
	delete(b.handles, h.id)
	b.mu.Unlock()

	err := b.release(h)
	if owned {
		metrics.SubscriptionsActive.WithLabelValues(h.scope.Table).Dec()
		b.logger.Debug("unsubscribed", logger.Scope(h.scope), zap.Uint64("handle", h.id))
	}
	return err
}

func (b *Bridge) release(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.sub == nil {
		return nil
	}
	if err := h.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", h.scope, err)
	}
	return nil
}

// Drop tears down every live subscription after a transport failure and
// tells each owner through its drop callback.
func (b *Bridge) Drop(cause error) {
	b.mu.Lock()
	handles := make([]*Handle, 0, len(b.handles))
	for id, h := range b.handles {
		handles = append(handles, h)
		delete(b.handles, id)
	}
	b.mu.Unlock()

	if len(handles) > 0 {
		b.logger.Warn("dropping subscriptions", zap.Int("count", len(handles)), zap.Error(cause))
	}

	err := fmt.Errorf("%w: %v", ErrConnection, cause)
	for _, h := range handles {
		_ = b.release(h)
		metrics.SubscriptionsActive.WithLabelValues(h.scope.Table).Dec()
		if h.onDrop != nil {
			h.onDrop(err)
		}
	}
}

// Close releases every subscription and refuses new ones.
func (b *Bridge) Close() {
	b.mu.Lock()
	b.closed = true
	handles := make([]*Handle, 0, len(b.handles))
	for id, h := range b.handles {
		handles = append(handles, h)
		delete(b.handles, id)
	}
	b.mu.Unlock()

	for _, h := range handles {
		_ = b.release(h)
		metrics.SubscriptionsActive.WithLabelValues(h.scope.Table).Dec()
	}
}

// Active returns the number of live subscriptions.
func (b *Bridge) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handles)
}
