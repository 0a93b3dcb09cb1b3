// Package dispatch implements the two-lane rate-limited outbound order
// pipeline. Callers hand requests to Submit and never wait on broker I/O;
// a single background worker drains both lanes against the order API's
// rate limits.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/marketflow/signalbridge/internal/broker"
)

// Lane selects which rate class an order request travels on.
type Lane int

const (
	// LanePriority carries smart orders: at most one send per second, and
	// that send consumes the whole second's budget.
	LanePriority Lane = iota
	// LaneBulk carries regular orders: up to 10 sends per rolling second.
	LaneBulk
)

const (
	// bulkWindowLimit is the maximum bulk-lane sends per rolling window.
	bulkWindowLimit = 10
	// bulkWindow is the rolling window the bulk limit applies to.
	bulkWindow = time.Second
	// prioritySpacing is the budget one priority-lane send consumes.
	prioritySpacing = time.Second
	// idleInterval is the pause when neither lane has eligible work.
	idleInterval = 100 * time.Millisecond
	// faultPause is the pause after an unexpected worker-level fault.
	faultPause = time.Second
	// queueDepth bounds each lane's queue. Submit drops (and logs) when a
	// lane backs up this far rather than blocking the caller.
	queueDepth = 256
)

// Sender is the outbound order contract the worker drains into.
type Sender interface {
	PlaceOrder(ctx context.Context, payload broker.OrderPayload) (*broker.OrderResponse, error)
	PlaceSmartOrder(ctx context.Context, payload broker.OrderPayload) (*broker.OrderResponse, error)
}

// Dispatcher owns the two lanes and the single worker goroutine. Construct
// one per process and share the handle; the worker starts lazily on the
// first Submit and survives individual send failures.
type Dispatcher struct {
	sender Sender
	logger *logrus.Logger

	priority chan broker.OrderPayload
	bulk     chan broker.OrderPayload

	mu      sync.Mutex
	running bool
	quit    chan struct{}
	done    chan struct{}

	// sent holds the timestamps of the most recent bulk-lane sends, oldest
	// first, pruned to the rolling window. Only the worker touches it.
	sent []time.Time

	// now and sleep are replaceable for tests.
	now   func() time.Time
	sleep func(time.Duration)
}

// New creates a Dispatcher draining into sender. The worker is not started
// until the first Submit.
func New(sender Sender, logger *logrus.Logger) *Dispatcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Dispatcher{
		sender:   sender,
		logger:   logger,
		priority: make(chan broker.OrderPayload, queueDepth),
		bulk:     make(chan broker.OrderPayload, queueDepth),
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

// Submit enqueues an order request on the given lane and returns
// immediately. It never blocks: if the lane's queue is full the request is
// dropped and logged. The background worker is started on first use and
// restarted if a previous Stop shut it down.
func (d *Dispatcher) Submit(lane Lane, payload broker.OrderPayload) {
	d.ensureWorker()

	var q chan broker.OrderPayload
	if lane == LanePriority {
		q = d.priority
	} else {
		q = d.bulk
	}

	select {
	case q <- payload:
	default:
		d.logger.WithFields(logrus.Fields{
			"symbol": payload.Symbol,
			"lane":   laneName(lane),
		}).Error("dispatch queue full, dropping order")
	}
}

// Stop shuts the worker down and waits for it to finish any in-flight cycle
// before returning. Pending requests stay queued; a later Submit restarts the
// worker and resumes draining. The wait is what keeps the send-window state
// owned by exactly one worker across a Stop/Submit sequence.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	close(d.quit)
	<-d.done
	d.running = false
}

// ensureWorker starts the worker exactly once per running period.
func (d *Dispatcher) ensureWorker() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.quit = make(chan struct{})
	d.done = make(chan struct{})
	d.running = true
	go d.run(d.quit, d.done)
}

func (d *Dispatcher) run(quit, done chan struct{}) {
	defer close(done)
	d.logger.Debug("order dispatch worker started")
	for {
		select {
		case <-quit:
			d.logger.Debug("order dispatch worker stopped")
			return
		default:
		}
		d.cycle()
	}
}

// cycle performs one drain attempt: priority lane first, then the bulk lane
// if the rolling window has headroom, otherwise a short idle. Any panic out
// of the send path is contained here so the worker loop never dies on a
// single bad request.
func (d *Dispatcher) cycle() {
	defer func() {
		if r := recover(); r != nil {
			d.logger.WithField("panic", r).Error("order dispatch worker fault")
			d.sleep(faultPause)
		}
	}()

	select {
	case payload := <-d.priority:
		start := d.now()
		d.send(LanePriority, payload)
		// The smart-order budget is one per second regardless of how long
		// the call itself took.
		if rest := prioritySpacing - d.now().Sub(start); rest > 0 {
			d.sleep(rest)
		}
		return
	default:
	}

	if d.bulkAllowed() {
		select {
		case payload := <-d.bulk:
			if d.send(LaneBulk, payload) {
				d.sent = append(d.sent, d.now())
			}
			return
		default:
		}
	}

	d.sleep(idleInterval)
}

// bulkAllowed reports whether fewer than bulkWindowLimit sends happened in
// the trailing window, pruning expired timestamps as it goes.
func (d *Dispatcher) bulkAllowed() bool {
	cutoff := d.now().Add(-bulkWindow)
	i := 0
	for i < len(d.sent) && d.sent[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		d.sent = append(d.sent[:0], d.sent[i:]...)
	}
	return len(d.sent) < bulkWindowLimit
}

// send performs one outbound call. Failures are logged and the request is
// dropped; there is no automatic retry.
func (d *Dispatcher) send(lane Lane, payload broker.OrderPayload) bool {
	var err error
	if lane == LanePriority {
		_, err = d.sender.PlaceSmartOrder(context.Background(), payload)
	} else {
		_, err = d.sender.PlaceOrder(context.Background(), payload)
	}
	if err != nil {
		d.logger.WithFields(logrus.Fields{
			"symbol":   payload.Symbol,
			"action":   payload.Action,
			"strategy": payload.Strategy,
			"lane":     laneName(lane),
		}).WithError(err).Error("order send failed")
		return false
	}
	d.logger.WithFields(logrus.Fields{
		"symbol":   payload.Symbol,
		"action":   payload.Action,
		"quantity": payload.Quantity,
		"strategy": payload.Strategy,
		"lane":     laneName(lane),
	}).Info("order placed")
	return true
}

func laneName(lane Lane) string {
	if lane == LanePriority {
		return "priority"
	}
	return "bulk"
}
