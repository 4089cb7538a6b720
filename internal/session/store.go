package session

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Store persists encoded conversation state with a time to live.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Take reads and deletes key atomically.
	Take(ctx context.Context, key string) ([]byte, bool, error)
	Close() error
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore keeps state in process and evicts expired entries on a timer.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]entry
	now  func() time.Time

	onExpire func(key string)

	stopCh chan struct{}
	once   sync.Once
}

// NewMemoryStore starts a store that sweeps expired entries every
// cleanupInterval. A non-positive interval disables the sweeper; expired
// entries are then only hidden from Get.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		data:   make(map[string]entry),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}

	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

// OnExpire registers a callback invoked (without locks held) for every key
// removed by Sweep.
func (s *MemoryStore) OnExpire(fn func(key string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpire = fn
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok || s.expired(e) {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.data[key] = e
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Take(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	delete(s.data, key)
	if s.expired(e) {
		return nil, false, nil
	}
	return e.value, true, nil
}

// Len counts live entries whose key starts with prefix.
func (s *MemoryStore) Len(prefix string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for k, e := range s.data {
		if strings.HasPrefix(k, prefix) && !s.expired(e) {
			n++
		}
	}
	return n
}

// Sweep removes expired entries and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	var dropped []string
	for k, e := range s.data {
		if s.expired(e) {
			delete(s.data, k)
			dropped = append(dropped, k)
		}
	}
	fn := s.onExpire
	s.mu.Unlock()

	if fn != nil {
		for _, k := range dropped {
			fn(k)
		}
	}
	return len(dropped)
}

func (s *MemoryStore) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.stopCh:
			return
		}
	}
}

func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stopCh) })
	return nil
}
