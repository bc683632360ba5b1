package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"cwphosting.org/internal/auth"
	"cwphosting.org/internal/obs"
)

var (
	// ErrQueueFull is returned when a message is dropped because the buffer is full.
	ErrQueueFull = errors.New("notify: queue full")
	// ErrClosed is returned for messages sent after Close.
	ErrClosed = errors.New("notify: dispatcher closed")
)

type job struct {
	activation *auth.ActivationMessage
	reset      *auth.ResetMessage
}

var _ auth.Notifier = (*Dispatcher)(nil)

// Dispatcher forwards messages to a sink on a background goroutine. Callers never block:
// when the buffer is full the message is dropped and counted.
type Dispatcher struct {
	sink      auth.Notifier
	ch        chan job
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closeOnce sync.Once
	log       zerolog.Logger

	// mu orders enqueues against Close: once closed is set, nothing reaches ch,
	// so the drain in run sees every accepted message.
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts the delivery goroutine.
func NewDispatcher(sink auth.Notifier, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	d := &Dispatcher{
		sink: sink,
		ch:   make(chan job, buffer),
		done: make(chan struct{}),
		log:  obs.Component("notify"),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case j := <-d.ch:
			d.deliver(j)
		case <-d.done:
			for {
				select {
				case j := <-d.ch:
					d.deliver(j)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx := context.Background()
	var err error
	switch {
	case j.activation != nil:
		err = d.sink.SendActivation(ctx, *j.activation)
	case j.reset != nil:
		err = d.sink.SendPasswordReset(ctx, *j.reset)
	}
	if err != nil {
		d.log.Warn().Err(err).Msg("notification delivery failed")
	}
}

func (d *Dispatcher) enqueue(j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.ch <- j:
		return nil
	default:
		d.dropped.Add(1)
		obs.NotificationDropped()
		return ErrQueueFull
	}
}

func (d *Dispatcher) SendActivation(_ context.Context, msg auth.ActivationMessage) error {
	return d.enqueue(job{activation: &msg})
}

func (d *Dispatcher) SendPasswordReset(_ context.Context, msg auth.ResetMessage) error {
	return d.enqueue(job{reset: &msg})
}

// Close stops accepting messages and waits for the buffer to drain.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.done)
		d.mu.Unlock()
		d.wg.Wait()
	})
}

// Dropped reports how many messages were discarded.
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }
