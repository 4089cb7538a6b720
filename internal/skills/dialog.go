package skills

import (
	"context"
	"errors"
	log "log/slog"

	"calico/internal/gateway"
	"calico/internal/metrics"
	"calico/internal/session"
	"calico/internal/skill"
	"calico/pkg/hermes"
)

const (
	lostQuestionPrompt = "Sorry, I lost track of that question. Please ask me again."
	noSessionPrompt    = "I can only ask that during a voice conversation."
)

// dialog drives the question/answer turns of a multi-turn skill. State T is
// whatever the skill needs to remember between the two turns.
type dialog[T any] struct {
	desc    skill.Descriptor
	gw      *gateway.Gateway
	tracker *session.Tracker[T]
	log     *log.Logger
}

func newDialog[T any](env skill.Env) *dialog[T] {
	return &dialog[T]{
		desc:    env.Descriptor,
		gw:      env.Gateway,
		tracker: session.NewTracker[T](env.Descriptor.Name, env.Sessions, env.SessionTTL),
		log:     env.Logger,
	}
}

func (d *dialog[T]) gauge() {
	if n := d.tracker.Len(); n >= 0 {
		metrics.PendingConversations.WithLabelValues(d.desc.Name).Set(float64(n))
	}
}

// ask starts (or restarts) a conversation in msg's session and keeps the
// session open for the answer intent.
func (d *dialog[T]) ask(ctx context.Context, msg *hermes.IntentMessage, question string, state T) error {
	h := session.HandleOf(msg)
	if h.SessionID == "" {
		d.log.Warn("Cannot ask outside a dialogue session", "intent", msg.IntentName, "site", h.SiteID)
		return d.gw.Reply(ctx, h, noSessionPrompt)
	}
	if err := d.tracker.Begin(ctx, h, state); err != nil {
		return err
	}
	d.gauge()

	d.log.Info("Asking", "session", h.SessionID, "question", question)
	if err := d.gw.ContinueSession(ctx, question, []string{d.desc.AnswerIntent}, h); err != nil {
		_ = d.tracker.Drop(ctx, h.SessionID)
		d.gauge()
		return err
	}
	return nil
}

// answer consumes the pending conversation for msg's session. When nothing
// was asked in that session it closes the session with a short apology and
// returns nil.
func (d *dialog[T]) answer(ctx context.Context, msg *hermes.IntentMessage) (*session.Conversation[T], error) {
	c, err := d.tracker.Take(ctx, msg.SessionID)
	d.gauge()
	if errors.Is(err, session.ErrNoSession) {
		d.log.Warn("Answer without a pending question", "session", msg.SessionID, "intent", msg.IntentName)
		return nil, d.gw.Reply(ctx, session.HandleOf(msg), lostQuestionPrompt)
	}
	return c, err
}

func (d *dialog[T]) Owns(ctx context.Context, sessionID string) bool {
	return d.tracker.Owns(ctx, sessionID)
}

// HandleNotRecognized re-prompts for the answer until the retry budget is
// spent, then gives up and ends the session.
func (d *dialog[T]) HandleNotRecognized(ctx context.Context, msg *hermes.NotRecognized) error {
	n, err := d.tracker.Retry(ctx, msg.SessionID)
	if errors.Is(err, session.ErrNoSession) {
		return nil
	}
	if err != nil {
		return err
	}

	h := session.HandleOfNotRecognized(msg)
	d.log.Warn("Answer not recognized", "session", h.SessionID, "attempt", n, "max", session.MaxRetries, "input", msg.Input)

	if n >= session.MaxRetries {
		d.log.Error("Maximum retry limit reached, ending conversation", "session", h.SessionID)
		if err := d.tracker.Drop(ctx, h.SessionID); err != nil {
			return err
		}
		d.gauge()
		return d.gw.Reply(ctx, h, session.GiveUpPrompt)
	}

	return d.gw.ContinueSession(ctx, session.RetryPrompt(), []string{d.desc.AnswerIntent}, h)
}

// WatchExpiry keeps the pending conversation gauge current while store
// sweeps waits that were never answered.
func WatchExpiry(store *session.MemoryStore) {
	store.OnExpire(func(key string) {
		name, sessionID := session.SplitKey(key)
		log.Info("Conversation expired without an answer", "skill", name, "session", sessionID)
		metrics.PendingConversations.WithLabelValues(name).Set(float64(store.Len(name + "/")))
	})
}
