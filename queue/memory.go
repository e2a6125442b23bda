package queue

import (
	"context"
	"errors"
	"sync"

	"lizmail/internal/metrics"
)

var (
	memoryMu      sync.Mutex
	memoryBrokers = map[string]*Memory{}
)

// MemoryBroker returns the in-process queue registered under name, creating it on
// first use. Producers and consumers in one process share it by name.
func MemoryBroker(name string) *Memory {
	memoryMu.Lock()
	defer memoryMu.Unlock()
	if m, ok := memoryBrokers[name]; ok && !m.isClosed() {
		return m
	}
	m := NewMemory(name)
	memoryBrokers[name] = m
	return m
}

// MemoryStats counts transitions seen by a Memory queue.
type MemoryStats struct {
	Published int
	Acked     int
	Requeued  int
	Dropped   int
}

// Memory is a non-durable in-process queue. It implements Publisher; Source returns
// consumers that hold at most one unresolved delivery each.
type Memory struct {
	name string

	mu       sync.Mutex
	pending  []Message
	inflight int
	stats    MemoryStats
	closed   bool
	notify   chan struct{}
}

// NewMemory returns an empty queue.
func NewMemory(name string) *Memory {
	return &Memory{name: name, notify: make(chan struct{})}
}

// Publish appends msg to the queue.
func (m *Memory) Publish(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	msg.Body = append([]byte(nil), msg.Body...)
	m.pending = append(m.pending, msg)
	m.stats.Published++
	m.signalLocked()
	return nil
}

// Close wakes all receivers; later calls are no-ops.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.signalLocked()
	return nil
}

// Depth returns the number of messages waiting for a consumer.
func (m *Memory) Depth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// InFlight returns the number of received but unresolved messages.
func (m *Memory) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight
}

// Stats returns a snapshot of the transition counters.
func (m *Memory) Stats() MemoryStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Source returns a consumer handle on the queue.
func (m *Memory) Source() Source {
	return &memorySource{m: m}
}

func (m *Memory) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// signalLocked wakes every waiting receiver. Callers hold m.mu.
func (m *Memory) signalLocked() {
	close(m.notify)
	m.notify = make(chan struct{})
	metrics.SetQueueDepth(m.name, len(m.pending))
}

var errUnresolved = errors.New("queue: previous delivery not resolved")

type memorySource struct {
	m       *Memory
	current *memoryDelivery
	closed  bool
}

func (s *memorySource) Receive(ctx context.Context) (Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed {
		return nil, ErrClosed
	}
	if s.current != nil && !s.current.resolved {
		return nil, errUnresolved
	}
	for {
		s.m.mu.Lock()
		if s.m.closed {
			s.m.mu.Unlock()
			return nil, ErrClosed
		}
		if len(s.m.pending) > 0 {
			msg := s.m.pending[0]
			s.m.pending = s.m.pending[1:]
			s.m.inflight++
			s.m.signalLocked()
			s.m.mu.Unlock()
			s.current = &memoryDelivery{m: s.m, msg: msg}
			return s.current, nil
		}
		wake := s.m.notify
		s.m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

// Close requeues an unresolved delivery.
func (s *memorySource) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.current != nil && !s.current.resolved {
		return s.current.Requeue(context.Background())
	}
	return nil
}

type memoryDelivery struct {
	m        *Memory
	msg      Message
	resolved bool
}

func (d *memoryDelivery) ID() string   { return d.msg.ID }
func (d *memoryDelivery) Body() []byte { return d.msg.Body }

func (d *memoryDelivery) Ack(context.Context) error {
	return d.resolve(func(s *MemoryStats) { s.Acked++ }, false)
}

func (d *memoryDelivery) Requeue(context.Context) error {
	return d.resolve(func(s *MemoryStats) { s.Requeued++ }, true)
}

func (d *memoryDelivery) Drop(context.Context) error {
	return d.resolve(func(s *MemoryStats) { s.Dropped++ }, false)
}

var errAlreadyResolved = errors.New("queue: delivery already resolved")

func (d *memoryDelivery) resolve(count func(*MemoryStats), requeue bool) error {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	if d.resolved {
		return errAlreadyResolved
	}
	d.resolved = true
	d.m.inflight--
	count(&d.m.stats)
	if requeue && !d.m.closed {
		d.m.pending = append(d.m.pending, d.msg)
		d.m.signalLocked()
	}
	return nil
}
