// Package gateway publishes skill output back to the voice pipeline.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"

	"github.com/google/uuid"

	"calico/internal/metrics"
	"calico/internal/session"
	"calico/pkg/hermes"
)

var ErrNoSession = errors.New("message has no session id")

// Publisher is the part of a broker the gateway needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type Gateway struct {
	pub  Publisher
	lang string
}

func New(pub Publisher, lang string) *Gateway {
	return &Gateway{pub: pub, lang: lang}
}

func (g *Gateway) publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		metrics.GatewayPublishTotal.WithLabelValues(topic, metrics.StatusError).Inc()
		return fmt.Errorf("encode %s: %w", topic, err)
	}

	if err := g.pub.Publish(ctx, topic, payload); err != nil {
		metrics.GatewayPublishTotal.WithLabelValues(topic, metrics.StatusError).Inc()
		log.Error("Failed to publish", "topic", topic, "err", err)
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	metrics.GatewayPublishTotal.WithLabelValues(topic, metrics.StatusOK).Inc()
	log.Debug("Published", "topic", topic, "payload", string(payload))
	return nil
}

// Speak asks the TTS service on h's site to say text.
func (g *Gateway) Speak(ctx context.Context, text string, h session.Handle) error {
	return g.publish(ctx, hermes.TopicSay, hermes.Say{
		ID:        uuid.NewString(),
		Text:      text,
		Lang:      g.lang,
		SiteID:    h.SiteID,
		SessionID: h.SessionID,
	})
}

// ContinueSession speaks text and keeps the session open for one of
// intentFilter. Unmatched answers come back as intentNotRecognized.
func (g *Gateway) ContinueSession(ctx context.Context, text string, intentFilter []string, h session.Handle) error {
	if h.SessionID == "" {
		return ErrNoSession
	}
	return g.publish(ctx, hermes.TopicContinueSession, hermes.ContinueSession{
		SessionID:               h.SessionID,
		Text:                    text,
		IntentFilter:            intentFilter,
		SendIntentNotRecognized: true,
	})
}

func (g *Gateway) EndSession(ctx context.Context, sessionID, text string) error {
	if sessionID == "" {
		return ErrNoSession
	}
	return g.publish(ctx, hermes.TopicEndSession, hermes.EndSession{
		SessionID: sessionID,
		Text:      text,
	})
}

// Reply speaks text and closes the session. Messages injected without a
// session are only spoken.
func (g *Gateway) Reply(ctx context.Context, h session.Handle, text string) error {
	if err := g.Speak(ctx, text, h); err != nil {
		return err
	}
	if h.SessionID == "" {
		return nil
	}
	return g.EndSession(ctx, h.SessionID, "")
}

// PublishIntent injects msg as if the NLU had recognized it.
func (g *Gateway) PublishIntent(ctx context.Context, msg *hermes.IntentMessage) error {
	payload, err := hermes.EncodeIntent(msg)
	if err != nil {
		return err
	}

	topic := hermes.IntentTopic(msg.IntentName)
	if err := g.pub.Publish(ctx, topic, payload); err != nil {
		metrics.GatewayPublishTotal.WithLabelValues(hermes.TopicIntentAll, metrics.StatusError).Inc()
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	metrics.GatewayPublishTotal.WithLabelValues(hermes.TopicIntentAll, metrics.StatusOK).Inc()
	return nil
}
