package feed

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type bookRecord struct {
	ID     int64  `json:"id"`
	Status string `json:"status"`
}

// recorder collects delivered changes.
type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) handle(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func (r *recorder) all() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Change(nil), r.changes...)
}

func mustChange(t *testing.T, collection string, typ EventType, newRec, oldRec any) Change {
	t.Helper()
	c, err := NewChange(collection, typ, newRec, oldRec)
	require.NoError(t, err)
	return c
}

func TestHub_SubscribeDeliversMatchingCollection(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	books := &recorder{}
	loans := &recorder{}
	unsubBooks := hub.Subscribe("books", books.handle)
	defer unsubBooks()
	unsubLoans := hub.Subscribe("loans", loans.handle)
	defer unsubLoans()

	hub.Publish(context.Background(), mustChange(t, "books", EventUpdate,
		bookRecord{ID: 42, Status: "LOANED"}, bookRecord{ID: 42, Status: "AVAILABLE"}))

	require.Eventually(t, func() bool { return books.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, loans.len())

	got := books.all()[0]
	assert.Equal(t, EventUpdate, got.Type)
	assert.Equal(t, hub.Origin(), got.Origin)

	var newRec, oldRec bookRecord
	ok, err := got.DecodeNew(&newRec)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = got.DecodeOld(&oldRec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "LOANED", newRec.Status)
	assert.Equal(t, "AVAILABLE", oldRec.Status)
}

func TestHub_EventFilter(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	inserts := &recorder{}
	unsub := hub.Subscribe("notifications", inserts.handle, EventInsert)
	defer unsub()

	ctx := context.Background()
	hub.Publish(ctx, mustChange(t, "notifications", EventUpdate, map[string]any{"id": 1}, nil))
	hub.Publish(ctx, mustChange(t, "notifications", EventInsert, map[string]any{"id": 2}, nil))

	require.Eventually(t, func() bool { return inserts.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, EventInsert, inserts.all()[0].Type)
}

func TestHub_ChannelsAreIndependent(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	first := &recorder{}
	second := &recorder{}
	unsubFirst := hub.Subscribe("books", first.handle)
	unsubSecond := hub.Subscribe("books", second.handle)
	defer unsubSecond()
	assert.Equal(t, 2, hub.ChannelCount())

	unsubFirst()
	unsubFirst() // idempotent
	assert.Equal(t, 1, hub.ChannelCount())

	hub.Publish(context.Background(), mustChange(t, "books", EventInsert, bookRecord{ID: 1}, nil))

	require.Eventually(t, func() bool { return second.len() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, first.len())
}

func TestHub_ResyncReachesEveryChannel(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	books := &recorder{}
	notes := &recorder{}
	defer hub.Subscribe("books", books.handle, EventInsert)()
	defer hub.Subscribe("notifications", notes.handle, EventUpdate)()

	hub.Resync("test")

	require.Eventually(t, func() bool { return books.len() == 1 && notes.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, EventResync, books.all()[0].Type)
}

func TestHub_FullQueueDropsEvents(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	hub := NewHub(WithBufferSize(1), WithLogger(zap.New(core)))
	defer hub.Close()

	release := make(chan struct{})
	var handled atomic.Int32
	defer hub.Subscribe("books", func(Change) {
		<-release
		handled.Add(1)
	})()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		hub.Publish(ctx, mustChange(t, "books", EventInsert, bookRecord{ID: int64(i)}, nil))
	}
	close(release)

	require.Eventually(t, func() bool { return logs.FilterMessage("feed channel full, dropping change").Len() > 0 },
		time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Less(t, handled.Load(), int32(5))
}

func TestHub_HandlerPanicIsRecovered(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	hub := NewHub(WithLogger(zap.New(core)))
	defer hub.Close()

	after := &recorder{}
	calls := 0
	defer hub.Subscribe("books", func(c Change) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		after.handle(c)
	})()

	ctx := context.Background()
	hub.Publish(ctx, mustChange(t, "books", EventInsert, bookRecord{ID: 1}, nil))
	hub.Publish(ctx, mustChange(t, "books", EventInsert, bookRecord{ID: 2}, nil))

	require.Eventually(t, func() bool { return after.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("feed handler panicked").Len())
}

type fakeRelay struct {
	mu      sync.Mutex
	changes []Change
	err     error
}

func (f *fakeRelay) Forward(_ context.Context, c Change) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, c)
	return f.err
}

func TestHub_PublishForwardsToRelay(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	hub := NewHub(WithLogger(zap.New(core)), WithOrigin("proc-a"))
	defer hub.Close()

	relay := &fakeRelay{err: errors.New("redis down")}
	hub.AttachRelay(relay)

	local := &recorder{}
	defer hub.Subscribe("loans", local.handle)()

	hub.Publish(context.Background(), mustChange(t, "loans", EventInsert, map[string]any{"id": 7}, nil))

	require.Eventually(t, func() bool { return local.len() == 1 }, time.Second, 5*time.Millisecond)
	relay.mu.Lock()
	require.Len(t, relay.changes, 1)
	assert.Equal(t, "proc-a", relay.changes[0].Origin)
	relay.mu.Unlock()
	assert.Equal(t, 1, logs.FilterMessage("failed to relay change").Len())
}

func TestHub_SubscribeAfterCloseIsNoop(t *testing.T) {
	hub := NewHub()
	hub.Close()

	unsub := hub.Subscribe("books", func(Change) {})
	assert.Equal(t, 0, hub.ChannelCount())
	assert.NotPanics(t, unsub)
}

func TestChannelNamesAreUnique(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	for i := 0; i < 3; i++ {
		hub.Subscribe("books", func(Change) {})
	}
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	for name := range hub.channels {
		assert.True(t, strings.HasPrefix(name, "books:"), name)
	}
	assert.Len(t, hub.channels, 3)
}
