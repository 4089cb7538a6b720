package broker

import (
	"context"
	"sync"
	"sync/atomic"
)

// Memory is an in-process loopback broker: anything published on a topic
// matching a subscribed filter is delivered back to the subscriber. All
// publications are also recorded for inspection.
type Memory struct {
	mu        sync.Mutex
	filters   []string
	published []Delivery

	// sendMu is held shared while delivering so Close cannot close out
	// under a pending send.
	sendMu sync.RWMutex
	out    chan Delivery
	closed atomic.Bool
}

func NewMemory(buffer int) *Memory {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Memory{out: make(chan Delivery, buffer)}
}

func (m *Memory) Connect(context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, filters ...string) (<-chan Delivery, error) {
	for _, f := range filters {
		if err := ValidateFilter(f); err != nil {
			return nil, err
		}
	}
	if m.closed.Load() {
		return nil, ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters = append(m.filters, filters...)
	return m.out, nil
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}

	d := Delivery{Topic: topic, Payload: append([]byte(nil), payload...)}

	m.mu.Lock()
	m.published = append(m.published, d)
	loop := MatchAny(m.filters, topic)
	m.mu.Unlock()

	if !loop {
		return nil
	}

	m.sendMu.RLock()
	defer m.sendMu.RUnlock()
	if m.closed.Load() {
		return ErrClosed
	}

	select {
	case m.out <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Published returns a copy of every message published so far.
func (m *Memory) Published() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.published...)
}

// PublishedOn returns the messages published on topic.
func (m *Memory) PublishedOn(topic string) []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []Delivery
	for _, d := range m.published {
		if d.Topic == topic {
			res = append(res, d)
		}
	}
	return res
}

// Reset forgets recorded publications.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

func (m *Memory) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.sendMu.Lock()
	close(m.out)
	m.sendMu.Unlock()
	return nil
}
