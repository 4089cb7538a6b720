// Package broker binds the daemon to a publish/subscribe message broker.
// Topics and filters use MQTT syntax ("a/b/c", "+" single level, "#" rest);
// transports with a different subject grammar translate at the edge.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// DefaultBuffer is the size of the delivery channel handed to subscribers.
const DefaultBuffer = 64

var (
	ErrClosed       = errors.New("broker closed")
	ErrNotConnected = errors.New("broker not connected")
)

// Delivery is one inbound message.
type Delivery struct {
	Topic   string
	Payload []byte
}

type Broker interface {
	// Connect establishes the transport connection. It may be called again
	// after a failure.
	Connect(ctx context.Context) error
	// Subscribe registers filters and returns the channel all matching
	// deliveries arrive on. Every call returns the same channel.
	Subscribe(ctx context.Context, filters ...string) (<-chan Delivery, error)
	// Publish hands payload to the transport without waiting for the broker
	// to acknowledge it.
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// Match reports whether topic matches the MQTT topic filter.
func Match(filter, topic string) bool {
	if filter == topic {
		return true
	}

	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")

	for i, f := range fs {
		if f == "#" {
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}

	return len(fs) == len(ts)
}

// MatchAny reports whether topic matches at least one filter.
func MatchAny(filters []string, topic string) bool {
	for _, f := range filters {
		if Match(f, topic) {
			return true
		}
	}
	return false
}

// ValidateFilter rejects filters MQTT brokers would refuse.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter")
	}
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		if strings.Contains(l, "#") && (l != "#" || i != len(levels)-1) {
			return fmt.Errorf("invalid multi-level wildcard in %q", filter)
		}
		if strings.Contains(l, "+") && l != "+" {
			return fmt.Errorf("invalid single-level wildcard in %q", filter)
		}
	}
	return nil
}

// New builds a broker of the given kind.
func New(kind string, cfg Config) (Broker, error) {
	switch kind {
	case "mqtt", "":
		return NewMQTT(cfg), nil
	case "ws", "websocket":
		return NewWebSocket(cfg), nil
	case "nats":
		return NewNATS(cfg), nil
	case "memory":
		return NewMemory(cfg.Buffer), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", kind)
	}
}
