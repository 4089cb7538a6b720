// Package dispatch routes broker deliveries to skills: recognized intents to
// the skill bound to them, unrecognized answers to the skill that asked.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"runtime/debug"
	"time"

	"calico/internal/gateway"
	"calico/internal/metrics"
	"calico/internal/session"
	"calico/internal/skill"
	"calico/pkg/broker"
	"calico/pkg/hermes"
)

// Apology is spoken when a skill fails.
const Apology = "Sorry, something went wrong."

const notRecognizedLabel = "intentNotRecognized"

// Recognizer classifies an utterance against the registered intents.
type Recognizer interface {
	Recognize(ctx context.Context, input string, intents []string) (intent string, slots map[string]string, err error)
}

type Dispatcher struct {
	reg *skill.Registry
	gw  *gateway.Gateway
	rec Recognizer
}

type Option func(*Dispatcher)

// WithRecognizer enables classification of utterances the pipeline did not
// recognize outside of any conversation.
func WithRecognizer(r Recognizer) Option {
	return func(d *Dispatcher) { d.rec = r }
}

func New(reg *skill.Registry, gw *gateway.Gateway, opts ...Option) *Dispatcher {
	d := &Dispatcher{reg: reg, gw: gw}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run handles deliveries one at a time, in order, until ctx is done or in
// is closed.
func (d *Dispatcher) Run(ctx context.Context, in <-chan broker.Delivery) error {
	log.Info("Dispatcher running", "intents", d.reg.Intents())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case del, ok := <-in:
			if !ok {
				log.Info("Delivery channel closed")
				return nil
			}
			d.Handle(ctx, del)
		}
	}
}

// Handle processes a single delivery. It never panics and never returns an
// error: failures are logged, counted and, where a user is waiting, turned
// into an apology.
func (d *Dispatcher) Handle(ctx context.Context, del broker.Delivery) {
	start := time.Now()
	defer func() {
		metrics.DispatchDuration.Observe(time.Since(start).Seconds())
	}()

	switch {
	case del.Topic == hermes.TopicNotRecognized:
		d.notRecognized(ctx, del.Payload)
	case hermes.IsIntentTopic(del.Topic):
		msg, err := hermes.DecodeIntent(del.Payload)
		if err != nil {
			log.Warn("Failed to decode intent", "topic", del.Topic, "err", err)
			metrics.IntentsTotal.WithLabelValues("", metrics.StatusMalformed).Inc()
			return
		}
		d.dispatch(ctx, msg)
	default:
		log.Debug("Ignoring delivery", "topic", del.Topic)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *hermes.IntentMessage) {
	s, ok := d.reg.Resolve(msg.IntentName)
	if !ok {
		log.Warn("No skill loaded for intent", "intent", msg.IntentName)
		metrics.IntentsTotal.WithLabelValues("", metrics.StatusUnknown).Inc()
		return
	}

	log.Info("Dispatching intent",
		"intent", msg.IntentName,
		"skill", s.Descriptor().Name,
		"session", msg.SessionID,
		"site", msg.SiteID)

	err := guard(func() error { return s.HandleIntent(ctx, msg) })
	d.settle(ctx, msg.IntentName, session.HandleOf(msg), err)
}

func (d *Dispatcher) notRecognized(ctx context.Context, payload []byte) {
	nr, err := hermes.DecodeNotRecognized(payload)
	if err != nil {
		log.Warn("Failed to decode intentNotRecognized", "err", err)
		metrics.IntentsTotal.WithLabelValues(notRecognizedLabel, metrics.StatusMalformed).Inc()
		return
	}
	if nr.SessionID == "" {
		return
	}

	for _, s := range d.reg.Skills() {
		c, ok := s.(skill.Conversational)
		if !ok || !c.Owns(ctx, nr.SessionID) {
			continue
		}

		log.Info("Intent not recognized in conversation", "skill", s.Descriptor().Name, "session", nr.SessionID)
		err := guard(func() error { return c.HandleNotRecognized(ctx, nr) })
		d.settle(ctx, notRecognizedLabel, session.HandleOfNotRecognized(nr), err)
		return
	}

	if d.rec == nil {
		log.Info("No conversation for unrecognized utterance", "session", nr.SessionID)
		return
	}

	intent, slots, err := d.rec.Recognize(ctx, nr.Input, d.reg.Intents())
	if err != nil {
		log.Info("Fallback recognizer found no intent", "input", nr.Input, "err", err)
		return
	}

	log.Info("Fallback recognizer matched", "input", nr.Input, "intent", intent)
	d.dispatch(ctx, &hermes.IntentMessage{
		IntentName: intent,
		SessionID:  nr.SessionID,
		SiteID:     nr.SiteID,
		Input:      nr.Input,
		RawInput:   nr.Input,
		CustomData: nr.CustomData,
		Slots:      slots,
	})
}

func (d *Dispatcher) settle(ctx context.Context, label string, h session.Handle, err error) {
	if err == nil {
		metrics.IntentsTotal.WithLabelValues(label, metrics.StatusOK).Inc()
		return
	}

	status := metrics.StatusError
	var pe *panicError
	if errors.As(err, &pe) {
		status = metrics.StatusPanic
		log.Error("Skill panicked", "intent", label, "session", h.SessionID, "err", pe.value, "stack", string(pe.stack))
	} else {
		log.Error("Skill failed", "intent", label, "session", h.SessionID, "err", err)
	}
	metrics.IntentsTotal.WithLabelValues(label, status).Inc()

	if err := d.gw.Reply(ctx, h, Apology); err != nil {
		log.Error("Failed to apologize", "session", h.SessionID, "err", err)
	}
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return fn()
}
