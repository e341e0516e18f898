package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/jobboard/internal/model"
	"github.com/capitalize-ai/jobboard/pkg/logger"
)

type fakeSub struct {
	transport *fakeTransport
	subject   string
	id        int
	calls     int
}

func (s *fakeSub) Unsubscribe() error {
	s.calls++
	s.transport.mu.Lock()
	delete(s.transport.subs[s.subject], s.id)
	s.transport.mu.Unlock()
	return nil
}

type fakeTransport struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func([]byte)
	err    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{subs: make(map[string]map[int]func([]byte))}
}

func (t *fakeTransport) Subscribe(subject string, deliver func([]byte)) (Subscription, error) {
	if t.err != nil {
		return nil, t.err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	if t.subs[subject] == nil {
		t.subs[subject] = make(map[int]func([]byte))
	}
	t.subs[subject][t.nextID] = deliver
	return &fakeSub{transport: t, subject: subject, id: t.nextID}, nil
}

func (t *fakeTransport) emit(tb testing.TB, table string, kind model.ChangeKind, record any) {
	tb.Helper()
	raw, err := json.Marshal(record)
	require.NoError(tb, err)
	data, err := json.Marshal(model.ChangeEvent{Table: table, Kind: kind, Record: raw})
	require.NoError(tb, err)

	t.mu.Lock()
	var fns []func([]byte)
	for _, fn := range t.subs[Subject(table, kind)] {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func messageScope(conversationID string) Scope {
	return Scope{Table: model.TableMessages, Kind: model.ChangeInsert, Key: "conversation:" + conversationID}
}

func byConversation(id string) Predicate {
	return func(e model.ChangeEvent) bool {
		var m model.Message
		return e.Decode(&m) == nil && m.ConversationID == id
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "realtime.messages.insert", Subject(model.TableMessages, model.ChangeInsert))
}

func TestBridge_DeliversMatchingEventsInOrder(t *testing.T) {
	tr := newFakeTransport()
	b := NewBridge(tr, logger.NewNop())

	var got []string
	h, err := b.Subscribe(messageScope("c1"), byConversation("c1"), func(e model.ChangeEvent) {
		var m model.Message
		require.NoError(t, e.Decode(&m))
		got = append(got, m.ID)
	})
	require.NoError(t, err)
	require.NotNil(t, h)

	tr.emit(t, model.TableMessages, model.ChangeInsert, model.Message{ID: "m1", ConversationID: "c1"})
	tr.emit(t, model.TableMessages, model.ChangeInsert, model.Message{ID: "x", ConversationID: "c2"})
	tr.emit(t, model.TableMessages, model.ChangeInsert, model.Message{ID: "m2", ConversationID: "c1"})

	assert.Equal(t, []string{"m1", "m2"}, got)
	assert.Equal(t, 1, b.Active())
}

func TestBridge_NoDeliveryAfterUnsubscribe(t *testing.T) {
	tr := newFakeTransport()
	b := NewBridge(tr, logger.NewNop())

	fired := 0
	h, err := b.Subscribe(messageScope("c1"), nil, func(model.ChangeEvent) { fired++ })
	require.NoError(t, err)

	// Keep the raw delivery func so a late transport delivery can be simulated.
	tr.mu.Lock()
	var late func([]byte)
	for _, fn := range tr.subs[Subject(model.TableMessages, model.ChangeInsert)] {
		late = fn
	}
	tr.mu.Unlock()

	require.NoError(t, b.Unsubscribe(h))

	tr.emit(t, model.TableMessages, model.ChangeInsert, model.Message{ID: "m1", ConversationID: "c1"})
	data, _ := json.Marshal(model.ChangeEvent{Table: model.TableMessages, Kind: model.ChangeInsert, Record: json.RawMessage(`{"id":"m2"}`)})
	late(data)

	assert.Zero(t, fired)
	assert.Zero(t, b.Active())
}

func TestBridge_UnsubscribeIsIdempotent(t *testing.T) {
	tr := newFakeTransport()
	b := NewBridge(tr, logger.NewNop())

	h, err := b.Subscribe(messageScope("c1"), nil, func(model.ChangeEvent) {})
	require.NoError(t, err)

	require.NoError(t, b.Unsubscribe(h))
	require.NoError(t, b.Unsubscribe(h))
	require.NoError(t, b.Unsubscribe(nil))
	assert.Equal(t, 1, h.sub.(*fakeSub).calls)
}

func TestBridge_SubscribeFailureIsConnectionError(t *testing.T) {
	tr := newFakeTransport()
	tr.err = errors.New("no servers available")
	b := NewBridge(tr, logger.NewNop())

	h, err := b.Subscribe(messageScope("c1"), nil, func(model.ChangeEvent) {})
	assert.Nil(t, h)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Zero(t, b.Active())
}

func TestBridge_IgnoresOtherKindsAndMalformedPayloads(t *testing.T) {
	tr := newFakeTransport()
	b := NewBridge(tr, logger.NewNop())

	fired := 0
	_, err := b.Subscribe(messageScope("c1"), nil, func(model.ChangeEvent) { fired++ })
	require.NoError(t, err)

	tr.mu.Lock()
	var deliver func([]byte)
	for _, fn := range tr.subs[Subject(model.TableMessages, model.ChangeInsert)] {
		deliver = fn
	}
	tr.mu.Unlock()

	deliver([]byte("{not json"))
	mismatched, _ := json.Marshal(model.ChangeEvent{Table: model.TableMessages, Kind: model.ChangeUpdate})
	deliver(mismatched)

	assert.Zero(t, fired)
}

func TestBridge_DropNotifiesOwners(t *testing.T) {
	tr := newFakeTransport()
	b := NewBridge(tr, logger.NewNop())

	var dropped error
	fired := 0
	_, err := b.Subscribe(messageScope("c1"), nil, func(model.ChangeEvent) { fired++ },
		WithOnDrop(func(err error) { dropped = err }))
	require.NoError(t, err)

	b.Drop(errors.New("connection closed"))

	assert.ErrorIs(t, dropped, ErrConnection)
	assert.Zero(t, b.Active())

	tr.emit(t, model.TableMessages, model.ChangeInsert, model.Message{ID: "m1"})
	assert.Zero(t, fired)
}

func TestBridge_CloseRefusesNewSubscriptions(t *testing.T) {
	tr := newFakeTransport()
	b := NewBridge(tr, logger.NewNop())

	_, err := b.Subscribe(messageScope("c1"), nil, func(model.ChangeEvent) {})
	require.NoError(t, err)

	b.Close()
	assert.Zero(t, b.Active())

	_, err = b.Subscribe(messageScope("c2"), nil, func(model.ChangeEvent) {})
	assert.ErrorIs(t, err, ErrClosed)
}
