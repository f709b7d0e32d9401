package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Outbox is the ordered delivery queue of one channel. Enqueue never blocks
// on I/O; a single goroutine drains the queue in FIFO order.
type Outbox struct {
	ch           Channel
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *Metrics

	// onClosed is called once when a send reports ErrChannelClosed.
	onClosed func()

	mu      sync.Mutex
	queue   [][]byte
	stopped bool

	wake    chan struct{}
	done    chan struct{}
	exited  chan struct{}
	once    sync.Once
	started bool
}

// NewOutbox creates an Outbox draining into ch. Call Start to begin
// delivery.
func NewOutbox(ch Channel, writeTimeout time.Duration, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = DefaultSessionConfig().WriteTimeout
	}
	return &Outbox{
		ch:           ch,
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "outbox"),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		exited:       make(chan struct{}),
	}
}

// Start launches the drain goroutine. Calling it twice has no effect.
func (o *Outbox) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started || o.stopped {
		return
	}
	o.started = true
	go o.run()
}

// Enqueue appends msg. It returns false when the Outbox is closed.
func (o *Outbox) Enqueue(msg []byte) bool {
	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		return false
	}
	o.queue = append(o.queue, msg)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of messages waiting to be sent.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.queue)
}

// Close stops delivery after the in-flight send and drops queued messages.
func (o *Outbox) Close() {
	o.once.Do(func() {
		o.mu.Lock()
		o.stopped = true
		started := o.started
		dropped := len(o.queue)
		o.queue = nil
		o.mu.Unlock()

		close(o.done)
		if started {
			<-o.exited
		}
		if dropped > 0 {
			o.metrics.deliveryDropped(dropped)
			o.logger.Debug("outbox closed with pending messages", "dropped", dropped)
		}
	})
}

func (o *Outbox) run() {
	defer close(o.exited)
	for {
		select {
		case <-o.done:
			return
		case <-o.wake:
		}

		for {
			msg, ok := o.next()
			if !ok {
				break
			}
			o.send(msg)

			select {
			case <-o.done:
				return
			default:
			}
		}
	}
}

func (o *Outbox) next() ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 {
		return nil, false
	}
	msg := o.queue[0]
	o.queue[0] = nil
	o.queue = o.queue[1:]
	return msg, true
}

func (o *Outbox) send(msg []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), o.writeTimeout)
	defer cancel()

	err := o.ch.Send(ctx, msg)
	if err == nil {
		o.metrics.deliverySent()
		return
	}

	o.metrics.deliveryFailed()
	if errors.Is(err, ErrChannelClosed) || !o.ch.IsOpen() {
		o.logger.Warn("delivery to closed channel", "error", err)
		if o.onClosed != nil {
			o.onClosed()
		}
		return
	}
	o.logger.Error("delivery failed", "error", err)
}
