package broker

import (
	"context"
	"fmt"
	log "log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATS carries Hermes traffic over NATS subjects. MQTT topics are mapped
// level for level: "/" becomes ".", "+" becomes "*" and "#" becomes ">".
type NATS struct {
	cfg Config

	mu      sync.Mutex
	conn    *nats.Conn
	filters []string
	subs    []*nats.Subscription

	out  chan Delivery
	done chan struct{}
	once sync.Once
}

func NewNATS(cfg Config) *NATS {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	return &NATS{
		cfg:  cfg,
		out:  make(chan Delivery, cfg.buffer()),
		done: make(chan struct{}),
	}
}

// Subject converts an MQTT topic or filter to a NATS subject.
func Subject(topic string) string {
	levels := strings.Split(topic, "/")
	for i, l := range levels {
		switch l {
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = ">"
		}
	}
	return strings.Join(levels, ".")
}

// Topic converts a NATS subject back to an MQTT topic.
func Topic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

func (n *NATS) Connect(ctx context.Context) error {
	select {
	case <-n.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	opts := []nats.Option{
		nats.Name(n.cfg.clientID()),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(n.cfg.reconnect()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("Disconnected from NATS", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	}
	if n.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(n.cfg.Username, n.cfg.Password))
	}

	nc, err := nats.Connect(n.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	n.mu.Lock()
	old := n.conn
	n.conn = nc
	n.subs = nil
	filters := append([]string(nil), n.filters...)
	n.mu.Unlock()

	if old != nil {
		old.Close()
	}

	for _, f := range filters {
		if err := n.subscribe(nc, f); err != nil {
			return err
		}
	}

	log.Info("Successfully connected to NATS", "url", n.cfg.URL)
	return nil
}

func (n *NATS) subscribe(nc *nats.Conn, filter string) error {
	sub, err := nc.Subscribe(Subject(filter), func(msg *nats.Msg) {
		d := Delivery{Topic: Topic(msg.Subject), Payload: msg.Data}
		select {
		case n.out <- d:
		case <-n.done:
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}

	n.mu.Lock()
	n.subs = append(n.subs, sub)
	n.mu.Unlock()
	return nil
}

func (n *NATS) Subscribe(_ context.Context, filters ...string) (<-chan Delivery, error) {
	for _, f := range filters {
		if err := ValidateFilter(f); err != nil {
			return nil, err
		}
	}

	n.mu.Lock()
	n.filters = append(n.filters, filters...)
	nc := n.conn
	n.mu.Unlock()

	if nc != nil {
		for _, f := range filters {
			if err := n.subscribe(nc, f); err != nil {
				return nil, err
			}
		}
	}
	return n.out, nil
}

func (n *NATS) Publish(_ context.Context, topic string, payload []byte) error {
	n.mu.Lock()
	nc := n.conn
	n.mu.Unlock()

	if nc == nil {
		return ErrNotConnected
	}
	if nc.IsClosed() {
		return ErrClosed
	}
	return nc.Publish(Subject(topic), payload)
}

func (n *NATS) Close() error {
	n.once.Do(func() {
		close(n.done)
		n.mu.Lock()
		nc := n.conn
		n.mu.Unlock()
		if nc != nil {
			nc.Close()
		}
	})
	return nil
}
