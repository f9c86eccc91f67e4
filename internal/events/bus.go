// Package events provides a typed publish/subscribe bus with a bounded
// subscriber list. Each subscriber gets its own buffered queue drained by a
// dedicated goroutine, so events reach a subscriber in emission order and a
// slow subscriber never blocks the publisher.
package events

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	ErrTooManySubscribers = errors.New("events: subscriber limit reached")
	ErrClosed             = errors.New("events: bus closed")
)

const (
	DefaultMaxSubscribers = 16
	DefaultBuffer         = 256
)

// Handler consumes one event.
type Handler[T any] func(T)

type subscriber[T any] struct {
	name    string
	queue   chan T
	handler Handler[T]
	done    chan struct{}
	dropped atomic.Int64
}

// Bus fans events of type T out to a bounded set of subscribers.
type Bus[T any] struct {
	mu        sync.RWMutex
	subs      map[int]*subscriber[T]
	nextID    int
	maxSubs   int
	buffer    int
	closed    bool
	published atomic.Int64
	logger    *slog.Logger
}

// New creates a bus. Zero limits select the defaults.
func New[T any](maxSubs, buffer int, logger *slog.Logger) *Bus[T] {
	if maxSubs <= 0 {
		maxSubs = DefaultMaxSubscribers
	}
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus[T]{
		subs:    make(map[int]*subscriber[T]),
		maxSubs: maxSubs,
		buffer:  buffer,
		logger:  logger.With(slog.String("component", "event_bus")),
	}
}

// Subscribe registers handler under name. The returned cancel func removes
// the subscriber and waits for its queue goroutine to exit.
func (b *Bus[T]) Subscribe(name string, handler Handler[T]) (cancel func(), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if len(b.subs) >= b.maxSubs {
		return nil, fmt.Errorf("%w (%d)", ErrTooManySubscribers, b.maxSubs)
	}

	id := b.nextID
	b.nextID++
	sub := &subscriber[T]{
		name:    name,
		queue:   make(chan T, b.buffer),
		handler: handler,
		done:    make(chan struct{}),
	}
	b.subs[id] = sub
	go b.drain(sub)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			s, ok := b.subs[id]
			if ok {
				delete(b.subs, id)
				close(s.queue)
			}
			b.mu.Unlock()
			if ok {
				<-s.done
			}
		})
	}, nil
}

func (b *Bus[T]) drain(sub *subscriber[T]) {
	defer close(sub.done)
	for ev := range sub.queue {
		b.deliver(sub, ev)
	}
}

func (b *Bus[T]) deliver(sub *subscriber[T], ev T) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				slog.String("subscriber", sub.name),
				slog.Any("panic", r),
			)
		}
	}()
	sub.handler(ev)
}

// Publish enqueues ev for every subscriber without blocking. When a
// subscriber's queue is full the event is dropped for that subscriber only.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		select {
		case sub.queue <- ev:
		default:
			n := sub.dropped.Add(1)
			b.logger.Warn("subscriber queue full, event dropped",
				slog.String("subscriber", sub.name),
				slog.Int64("dropped_total", n),
			)
		}
	}
}

// Stats reports publish and drop counters.
type Stats struct {
	Subscribers int
	Published   int64
	Dropped     map[string]int64
}

func (b *Bus[T]) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := Stats{
		Subscribers: len(b.subs),
		Published:   b.published.Load(),
		Dropped:     make(map[string]int64, len(b.subs)),
	}
	for _, s := range b.subs {
		st.Dropped[s.name] += s.dropped.Load()
	}
	return st
}

// Close stops all subscribers after their queues drain.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscriber[T])
	for _, s := range subs {
		close(s.queue)
	}
	b.mu.Unlock()

	for _, s := range subs {
		<-s.done
	}
}
