package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/iris/message"
)

// fakeSink records writes. Writes fail once failAfter successful writes
// have happened (0 disables), and block while gate is open.
type fakeSink struct {
	format    message.Format
	failAfter int
	gate      chan struct{}

	mu        sync.Mutex
	msgs      [][]byte
	closed    bool
	closeCode int
}

func newFakeSink() *fakeSink {
	return &fakeSink{format: message.FormatJSON}
}

func (f *fakeSink) Format() message.Format { return f.format }

func (f *fakeSink) Write(data []byte, _ time.Time) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter > 0 && len(f.msgs) >= f.failAfter {
		return fmt.Errorf("broken pipe")
	}
	f.msgs = append(f.msgs, append([]byte(nil), data...))
	return nil
}

func (f *fakeSink) Ping(time.Time) error { return nil }

func (f *fakeSink) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	return nil
}

func (f *fakeSink) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	for i, m := range f.msgs {
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(m, &env)
		out[i] = env.Type
	}
	return out
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func (f *fakeSink) isClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

func newTestDistributor(t *testing.T, cfg Config) *Distributor {
	t.Helper()
	d := NewDistributor(DistributorDeps{Config: cfg})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})
	return d
}

func testEvent(ts uint64) *message.Event {
	return &message.Event{Timestamp: ts, EventType: 0x0100}
}

func TestDistributor_ZeroSubscribers(t *testing.T) {
	d := newTestDistributor(t, DefaultConfig())

	d.Broadcast(testEvent(1))
	d.BroadcastBatch([]*message.Event{testEvent(2), testEvent(3)})

	stats := d.Stats()
	assert.Zero(t, stats.TotalBytesSent)
	assert.Zero(t, stats.TotalEventsBroadcast)
	assert.Zero(t, stats.ActiveConnections)
}

func TestDistributor_WelcomeThenEvents(t *testing.T) {
	d := newTestDistributor(t, DefaultConfig())
	sink := newFakeSink()

	id, err := d.AddSubscriber(sink)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), id)

	d.Broadcast(testEvent(10))
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{message.TypeWelcome, message.TypeEvent}, sink.types())

	var welcome struct {
		Data message.Welcome `json:"data"`
	}
	sink.mu.Lock()
	require.NoError(t, json.Unmarshal(sink.msgs[0], &welcome))
	sink.mu.Unlock()
	assert.Equal(t, id, welcome.Data.ClientID)
	assert.Equal(t, 1, welcome.Data.Stats.ActiveConnections)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.TotalConnections)
	assert.Equal(t, uint64(1), stats.TotalEventsBroadcast)
	require.Eventually(t, func() bool { return d.Stats().TotalBytesSent > 0 }, time.Second, 5*time.Millisecond)
}

func TestDistributor_FailedSubscriberIsIsolated(t *testing.T) {
	d := newTestDistributor(t, DefaultConfig())
	bad := newFakeSink()
	bad.failAfter = 1 // welcome succeeds, first event fails
	good := newFakeSink()

	_, err := d.AddSubscriber(bad)
	require.NoError(t, err)
	_, err = d.AddSubscriber(good)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		d.Broadcast(testEvent(uint64(i)))
	}

	require.Eventually(t, func() bool { return good.count() == 11 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { closed, _ := bad.isClosed(); return closed }, time.Second, 5*time.Millisecond)
}

func TestDistributor_RemoveDuringBroadcast(t *testing.T) {
	d := newTestDistributor(t, DefaultConfig())
	a := newFakeSink()
	b := newFakeSink()

	idA, err := d.AddSubscriber(a)
	require.NoError(t, err)
	_, err = d.AddSubscriber(b)
	require.NoError(t, err)

	const events = 100
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < events; i++ {
			d.Broadcast(testEvent(uint64(i)))
		}
	}()
	go func() {
		defer wg.Done()
		d.RemoveSubscriber(idA)
	}()
	wg.Wait()

	require.Eventually(t, func() bool { return b.count() == events+1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, d.SubscriberCount())
	assert.Equal(t, uint64(events), d.Stats().TotalEventsBroadcast)

	require.Eventually(t, func() bool { closed, _ := a.isClosed(); return closed }, time.Second, 5*time.Millisecond)
	_, code := a.isClosed()
	assert.Equal(t, CloseNormal, code)
}

func TestDistributor_FullQueueRemovesOnlySlowSubscriber(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueSize = 4
	d := newTestDistributor(t, cfg)

	slow := newFakeSink()
	slow.gate = make(chan struct{})
	fast := newFakeSink()

	_, err := d.AddSubscriber(slow)
	require.NoError(t, err)
	_, err = d.AddSubscriber(fast)
	require.NoError(t, err)

	// Pace the broadcasts on the fast subscriber so only the blocked one
	// can overflow.
	for i := 0; i < 10; i++ {
		d.Broadcast(testEvent(uint64(i)))
		want := i + 2
		require.Eventually(t, func() bool { return fast.count() == want }, time.Second, time.Millisecond)
	}
	close(slow.gate)

	assert.Equal(t, 1, d.SubscriberCount())
	require.Eventually(t, func() bool { closed, _ := slow.isClosed(); return closed }, time.Second, 5*time.Millisecond)
}

func TestDistributor_BroadcastBatch(t *testing.T) {
	d := newTestDistributor(t, DefaultConfig())
	sink := newFakeSink()
	_, err := d.AddSubscriber(sink)
	require.NoError(t, err)

	d.BroadcastBatch(nil)
	d.BroadcastBatch([]*message.Event{testEvent(1), testEvent(2), testEvent(3)})

	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, message.TypeBatch, sink.types()[1])
	assert.Equal(t, uint64(3), d.Stats().TotalEventsBroadcast)
}

func TestDistributor_CBORSubscriber(t *testing.T) {
	d := newTestDistributor(t, DefaultConfig())
	sink := newFakeSink()
	sink.format = message.FormatCBOR
	jsonSink := newFakeSink()

	_, err := d.AddSubscriber(sink)
	require.NoError(t, err)
	_, err = d.AddSubscriber(jsonSink)
	require.NoError(t, err)

	d.Broadcast(testEvent(99))
	require.Eventually(t, func() bool { return sink.count() == 2 && jsonSink.count() == 2 }, time.Second, 5*time.Millisecond)

	var env map[string]any
	sink.mu.Lock()
	require.NoError(t, message.Decode(message.FormatCBOR, sink.msgs[1], &env))
	sink.mu.Unlock()
	assert.Equal(t, message.TypeEvent, env["type"])
	assert.Equal(t, uint64(99), env["data"].(map[string]any)["timestamp"])
}

func TestDistributor_Shutdown(t *testing.T) {
	d := NewDistributor(DistributorDeps{Config: DefaultConfig()})
	a := newFakeSink()
	b := newFakeSink()
	_, err := d.AddSubscriber(a)
	require.NoError(t, err)
	_, err = d.AddSubscriber(b)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))

	for _, s := range []*fakeSink{a, b} {
		types := s.types()
		require.NotEmpty(t, types)
		assert.Equal(t, message.TypeShutdown, types[len(types)-1])
		closed, code := s.isClosed()
		assert.True(t, closed)
		assert.Equal(t, CloseGoingAway, code)
	}

	_, err = d.AddSubscriber(newFakeSink())
	assert.Error(t, err)
	assert.NoError(t, d.Shutdown(ctx), "second shutdown is a no-op")
}

func TestDistributor_ShutdownTimeout(t *testing.T) {
	d := NewDistributor(DistributorDeps{Config: DefaultConfig()})
	stuck := newFakeSink()
	stuck.gate = make(chan struct{})
	_, err := d.AddSubscriber(stuck)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, d.Shutdown(ctx))
	close(stuck.gate)
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.QueueSize = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SendTimeout = 0
	assert.Error(t, cfg.Validate())
}
