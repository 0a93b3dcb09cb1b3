package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketflow/signalbridge/internal/broker"
)

type fakeSender struct {
	mu     sync.Mutex
	orders []broker.OrderPayload
	smart  []broker.OrderPayload
	err    error
	sent   chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{sent: make(chan struct{}, 64)}
}

func (f *fakeSender) PlaceOrder(_ context.Context, p broker.OrderPayload) (*broker.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.orders = append(f.orders, p)
	f.sent <- struct{}{}
	return &broker.OrderResponse{Status: "success"}, nil
}

func (f *fakeSender) PlaceSmartOrder(_ context.Context, p broker.OrderPayload) (*broker.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.smart = append(f.smart, p)
	f.sent <- struct{}{}
	return &broker.OrderResponse{Status: "success"}, nil
}

func (f *fakeSender) bulkSymbols() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.orders))
	for i, p := range f.orders {
		out[i] = p.Symbol
	}
	return out
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// testDispatcher returns a dispatcher whose worker is never started, with a
// controllable clock and recorded sleeps, so cycles run deterministically.
func testDispatcher(sender Sender) (*Dispatcher, *time.Time, *[]time.Duration) {
	d := New(sender, quietLogger())
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	var sleeps []time.Duration
	d.now = func() time.Time { return now }
	d.sleep = func(dur time.Duration) { sleeps = append(sleeps, dur) }
	return d, &now, &sleeps
}

func TestCyclePriorityConsumesFullSecond(t *testing.T) {
	sender := newFakeSender()
	d, _, sleeps := testDispatcher(sender)

	d.priority <- broker.OrderPayload{Symbol: "NIFTY26MAR25000CE"}
	d.cycle()

	require.Len(t, sender.smart, 1)
	require.Len(t, *sleeps, 1)
	assert.Equal(t, time.Second, (*sleeps)[0])
}

func TestCycleDrainsPriorityBeforeBulk(t *testing.T) {
	sender := newFakeSender()
	d, _, _ := testDispatcher(sender)

	d.bulk <- broker.OrderPayload{Symbol: "bulk"}
	d.priority <- broker.OrderPayload{Symbol: "smart"}
	d.cycle()

	require.Len(t, sender.smart, 1)
	assert.Empty(t, sender.orders)
}

func TestBulkWindowBlocksEleventhSend(t *testing.T) {
	sender := newFakeSender()
	d, now, sleeps := testDispatcher(sender)

	for i := 0; i < 10; i++ {
		d.bulk <- broker.OrderPayload{Symbol: "X"}
		d.cycle()
	}
	require.Len(t, sender.orders, 10)

	// Eleventh within the same window only idles.
	d.bulk <- broker.OrderPayload{Symbol: "blocked"}
	d.cycle()
	require.Len(t, sender.orders, 10)
	assert.Equal(t, idleInterval, (*sleeps)[len(*sleeps)-1])

	// Once the window slides past the earlier sends, it goes through.
	*now = now.Add(1100 * time.Millisecond)
	d.cycle()
	require.Len(t, sender.orders, 11)
	assert.Equal(t, "blocked", sender.orders[10].Symbol)
}

func TestBulkFIFO(t *testing.T) {
	sender := newFakeSender()
	d, _, _ := testDispatcher(sender)

	d.bulk <- broker.OrderPayload{Symbol: "a"}
	d.bulk <- broker.OrderPayload{Symbol: "b"}
	d.bulk <- broker.OrderPayload{Symbol: "c"}
	for i := 0; i < 3; i++ {
		d.cycle()
	}
	assert.Equal(t, []string{"a", "b", "c"}, sender.bulkSymbols())
}

func TestFailedSendDoesNotConsumeWindow(t *testing.T) {
	sender := newFakeSender()
	sender.err = errors.New("broker down")
	d, _, _ := testDispatcher(sender)

	d.bulk <- broker.OrderPayload{Symbol: "X"}
	d.cycle()

	assert.Empty(t, d.sent, "failed sends must not count against the rolling window")
}

func TestCycleIdlesWhenEmpty(t *testing.T) {
	sender := newFakeSender()
	d, _, sleeps := testDispatcher(sender)

	d.cycle()
	require.Len(t, *sleeps, 1)
	assert.Equal(t, idleInterval, (*sleeps)[0])
}

func TestSubmitDropsWhenLaneFull(t *testing.T) {
	d := New(newFakeSender(), quietLogger())
	// Pretend the worker is running so Submit does not start one.
	d.mu.Lock()
	d.running = true
	d.quit = make(chan struct{})
	d.done = make(chan struct{})
	d.mu.Unlock()

	for i := 0; i < queueDepth; i++ {
		d.bulk <- broker.OrderPayload{}
	}

	done := make(chan struct{})
	go func() {
		d.Submit(LaneBulk, broker.OrderPayload{Symbol: "overflow"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Submit blocked on a full lane")
	}
	assert.Len(t, d.bulk, queueDepth)
}

func TestStopThenSubmitRestartsWorker(t *testing.T) {
	sender := newFakeSender()
	d := New(sender, quietLogger())

	d.Submit(LaneBulk, broker.OrderPayload{Symbol: "first"})
	select {
	case <-sender.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never drained the first submission")
	}

	d.Stop()
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	require.False(t, running)

	d.Submit(LaneBulk, broker.OrderPayload{Symbol: "second"})
	select {
	case <-sender.sent:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not restart after Stop")
	}
	d.Stop()
}

// gateSender blocks inside the send until released, signalling entry.
type gateSender struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gateSender) PlaceOrder(_ context.Context, _ broker.OrderPayload) (*broker.OrderResponse, error) {
	close(g.entered)
	<-g.release
	return &broker.OrderResponse{Status: "success"}, nil
}

func (g *gateSender) PlaceSmartOrder(ctx context.Context, p broker.OrderPayload) (*broker.OrderResponse, error) {
	return g.PlaceOrder(ctx, p)
}

func TestStopWaitsForInFlightSend(t *testing.T) {
	sender := &gateSender{entered: make(chan struct{}), release: make(chan struct{})}
	d := New(sender, quietLogger())

	d.Submit(LaneBulk, broker.OrderPayload{Symbol: "slow"})
	select {
	case <-sender.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never reached the send")
	}

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	// Stop must not return while the worker is still inside a send; a Submit
	// racing it would otherwise start a second worker over the same window
	// state.
	select {
	case <-stopped:
		t.Fatal("Stop returned while a send was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(sender.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the worker exited")
	}

	d.mu.Lock()
	running := d.running
	d.mu.Unlock()
	assert.False(t, running)
}

func TestStopIsIdempotent(t *testing.T) {
	d := New(newFakeSender(), quietLogger())
	d.Submit(LaneBulk, broker.OrderPayload{})
	d.Stop()
	d.Stop()
}
