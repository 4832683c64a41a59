package broker

import (
	"context"
	"sync"
)

// MemoryBroker delivers messages in-process. Each subscription has its own delivery goroutine,
// so messages reach a subscriber in publish order.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryBroker creates an empty broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: map[*memorySubscription]struct{}{}}
}

type memorySubscription struct {
	broker  *MemoryBroker
	pattern string
	handler Handler

	mu      sync.Mutex
	cond    *sync.Cond
	pending []Message
	stopped bool
	done    chan struct{}
}

func (b *MemoryBroker) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg := Message{Subject: subject, Data: append([]byte(nil), data...)}
	for s := range b.subs {
		if MatchSubject(s.pattern, subject) {
			s.push(msg)
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(subject string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	s := &memorySubscription{
		broker:  b,
		pattern: subject,
		handler: handler,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	b.subs[s] = struct{}{}
	go s.deliver()
	return s, nil
}

// Close stops every subscription after its pending messages are delivered.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*memorySubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = map[*memorySubscription]struct{}{}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
		<-s.done
	}
	return nil
}

func (s *memorySubscription) Unsubscribe() error {
	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()

	s.stop()
	return nil
}

func (s *memorySubscription) push(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.pending = append(s.pending, msg)
	s.cond.Signal()
}

func (s *memorySubscription) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cond.Signal()
}

func (s *memorySubscription) deliver() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		msg := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		s.handler(msg)
	}
}
