package events

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"

	ferrors "git.home.luguber.info/inful/ciagent/internal/foundation/errors"
)

// Bus is a typed, in-process event bus connecting the agent to its observers.
//
// Subscriptions are typed through generics. A subscription for an interface
// type receives every published event implementing it. Publish applies
// backpressure: it blocks until every blocking subscriber took the event or
// ctx ends. Lossy subscribers never block publishers; events that do not fit
// their buffer are dropped and counted.
type Bus struct {
	mu        sync.RWMutex
	subs      map[reflect.Type]map[uint64]*subscriber
	nextID    atomic.Uint64
	dropped   atomic.Uint64
	isClosed  atomic.Bool
	closeOnce sync.Once
}

type subscriber struct {
	mu      sync.RWMutex
	closed  bool
	done    chan struct{}
	once    sync.Once
	deliver func(ctx context.Context, evt any) error
	closeCh func()
}

func (s *subscriber) send(ctx context.Context, evt any) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	return s.deliver(ctx, evt)
}

// close unblocks in-flight deliveries before closing the channel so a send
// never races the close.
func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		s.closeCh()
		s.mu.Unlock()
	})
}

// NewBus creates an open bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[reflect.Type]map[uint64]*subscriber)}
}

// Subscribe registers a blocking subscription for events of type T.
func Subscribe[T any](b *Bus, buffer int) (<-chan T, func()) {
	return subscribe[T](b, buffer, false)
}

// SubscribeLossy registers a subscription that drops events instead of
// blocking publishers when its buffer is full.
func SubscribeLossy[T any](b *Bus, buffer int) (<-chan T, func()) {
	return subscribe[T](b, buffer, true)
}

func subscribe[T any](b *Bus, buffer int, lossy bool) (<-chan T, func()) {
	eventType := reflect.TypeFor[T]()
	ch := make(chan T, buffer)

	if b.isClosed.Load() {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID.Add(1)
	sub := &subscriber{done: make(chan struct{}), closeCh: func() { close(ch) }}
	sub.deliver = func(ctx context.Context, evt any) error {
		v, ok := evt.(T)
		if !ok {
			return ferrors.InternalError("event type mismatch").
				WithContext("expected", eventType.String()).
				WithContext("actual", reflect.TypeOf(evt).String()).
				Build()
		}
		if lossy {
			select {
			case ch <- v:
			default:
				b.dropped.Add(1)
			}
			return nil
		}
		select {
		case ch <- v:
			return nil
		case <-sub.done:
			return nil
		case <-ctx.Done():
			return ferrors.WrapError(ctx.Err(), ferrors.CategoryRuntime, "event publish canceled").
				WithContext("event_type", eventType.String()).
				Build()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.isClosed.Load() {
		sub.close()
		return ch, func() {}
	}
	if b.subs[eventType] == nil {
		b.subs[eventType] = make(map[uint64]*subscriber)
	}
	b.subs[eventType][id] = sub

	var unsubOnce sync.Once
	unsubscribe := func() {
		unsubOnce.Do(func() {
			b.mu.Lock()
			if typeSubs, ok := b.subs[eventType]; ok {
				delete(typeSubs, id)
				if len(typeSubs) == 0 {
					delete(b.subs, eventType)
				}
			}
			b.mu.Unlock()
			sub.close()
		})
	}
	return ch, unsubscribe
}

// SubscriberCount returns the number of active subscribers for events of type T.
func SubscriberCount[T any](b *Bus) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[reflect.TypeFor[T]()])
}

// Dropped returns how many events lossy subscribers discarded.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Publish delivers an event to all matching subscribers in turn.
// A nil bus accepts and discards everything.
func (b *Bus) Publish(ctx context.Context, evt any) error {
	if b == nil {
		return nil
	}
	if evt == nil {
		return ferrors.ValidationError("event cannot be nil").Build()
	}
	if b.isClosed.Load() {
		return ferrors.RuntimeError("event bus is closed").Build()
	}

	evtType := reflect.TypeOf(evt)

	b.mu.RLock()
	var targets []*subscriber
	for subType, typeSubs := range b.subs {
		match := subType == evtType
		if !match && subType.Kind() == reflect.Interface {
			match = evtType.Implements(subType)
		}
		if !match {
			continue
		}
		for _, s := range typeSubs {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := s.send(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the bus and all subscription channels.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.isClosed.Store(true)

		b.mu.Lock()
		var toClose []*subscriber
		for _, typeSubs := range b.subs {
			for _, s := range typeSubs {
				toClose = append(toClose, s)
			}
		}
		b.subs = make(map[reflect.Type]map[uint64]*subscriber)
		b.mu.Unlock()

		for _, s := range toClose {
			s.close()
		}
	})
}
