package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const DefaultTTL = 5 * time.Minute

// Conversation is the per-session state a multi-turn skill keeps between the
// question it asked and the answer it expects.
type Conversation[T any] struct {
	Handle    Handle    `json:"handle"`
	State     T         `json:"state"`
	Retries   int       `json:"retries"`
	StartedAt time.Time `json:"startedAt"`
}

// Tracker maps session ids to conversations for one skill. Keys are
// namespaced by the skill name so trackers can share a Store.
type Tracker[T any] struct {
	name  string
	store Store
	ttl   time.Duration
}

func NewTracker[T any](name string, store Store, ttl time.Duration) *Tracker[T] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Tracker[T]{name: name, store: store, ttl: ttl}
}

func (t *Tracker[T]) key(sessionID string) string {
	return t.name + "/" + sessionID
}

// SplitKey reverses the tracker key layout into skill name and session id.
func SplitKey(key string) (name, sessionID string) {
	name, sessionID, _ = strings.Cut(key, "/")
	return name, sessionID
}

// Begin records a wait for h's session, replacing any pending one.
func (t *Tracker[T]) Begin(ctx context.Context, h Handle, state T) error {
	if h.SessionID == "" {
		return ErrNoSessionID
	}
	return t.save(ctx, &Conversation[T]{
		Handle:    h,
		State:     state,
		StartedAt: time.Now(),
	})
}

func (t *Tracker[T]) save(ctx context.Context, c *Conversation[T]) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", c.Handle.SessionID, err)
	}
	if err := t.store.Set(ctx, t.key(c.Handle.SessionID), data, t.ttl); err != nil {
		return fmt.Errorf("store conversation %s: %w", c.Handle.SessionID, err)
	}
	return nil
}

func (t *Tracker[T]) decode(sessionID string, data []byte) (*Conversation[T], error) {
	var c Conversation[T]
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", sessionID, err)
	}
	return &c, nil
}

// Get returns the pending conversation or ErrNoSession.
func (t *Tracker[T]) Get(ctx context.Context, sessionID string) (*Conversation[T], error) {
	data, ok, err := t.store.Get(ctx, t.key(sessionID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSession
	}
	return t.decode(sessionID, data)
}

// Take removes and returns the pending conversation, so an answer is
// consumed at most once.
func (t *Tracker[T]) Take(ctx context.Context, sessionID string) (*Conversation[T], error) {
	data, ok, err := t.store.Take(ctx, t.key(sessionID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoSession
	}
	return t.decode(sessionID, data)
}

func (t *Tracker[T]) Drop(ctx context.Context, sessionID string) error {
	return t.store.Delete(ctx, t.key(sessionID))
}

func (t *Tracker[T]) Owns(ctx context.Context, sessionID string) bool {
	if sessionID == "" {
		return false
	}
	_, ok, err := t.store.Get(ctx, t.key(sessionID))
	return err == nil && ok
}

// Retry bumps the retry counter, refreshes the expiry and returns the new
// count.
func (t *Tracker[T]) Retry(ctx context.Context, sessionID string) (int, error) {
	c, err := t.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	c.Retries++
	if err := t.save(ctx, c); err != nil {
		return 0, err
	}
	return c.Retries, nil
}

// Len reports pending conversations. Only the memory store can count; other
// stores report -1.
func (t *Tracker[T]) Len() int {
	if m, ok := t.store.(*MemoryStore); ok {
		return m.Len(t.name + "/")
	}
	return -1
}
