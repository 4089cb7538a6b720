package broker

import (
	"context"
	log "log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const mqttQoS = 0

// MQTT talks to a standard MQTT broker (mosquitto, Rhasspy's internal
// broker). Subscriptions are replayed on every (re)connect.
type MQTT struct {
	client mqtt.Client

	mu      sync.Mutex
	filters []string

	out  chan Delivery
	done chan struct{}
	once sync.Once
}

func NewMQTT(cfg Config) *MQTT {
	m := &MQTT{
		out:  make(chan Delivery, cfg.buffer()),
		done: make(chan struct{}),
	}

	url := cfg.URL
	if url == "" {
		url = "tcp://localhost:1883"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(cfg.clientID()).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(cfg.reconnect() * 6).
		SetConnectTimeout(10 * time.Second).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("Disconnected from MQTT broker, will reconnect", "url", url, "err", err)
		}).
		SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
			log.Info("Reconnecting to MQTT broker", "url", url)
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	m.client = mqtt.NewClient(opts)
	return m
}

func (m *MQTT) Connect(ctx context.Context) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	tok := m.client.Connect()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTT) onConnect(c mqtt.Client) {
	log.Info("Connected to MQTT broker")

	m.mu.Lock()
	filters := append([]string(nil), m.filters...)
	m.mu.Unlock()

	for _, f := range filters {
		tok := c.Subscribe(f, mqttQoS, m.onMessage)
		go func(f string) {
			if tok.Wait() && tok.Error() != nil {
				log.Error("Failed to subscribe", "topic", f, "err", tok.Error())
				return
			}
			log.Debug("Subscribed", "topic", f)
		}(f)
	}
}

func (m *MQTT) onMessage(_ mqtt.Client, msg mqtt.Message) {
	d := Delivery{
		Topic:   msg.Topic(),
		Payload: append([]byte(nil), msg.Payload()...),
	}

	select {
	case m.out <- d:
	case <-m.done:
	}
}

func (m *MQTT) Subscribe(ctx context.Context, filters ...string) (<-chan Delivery, error) {
	for _, f := range filters {
		if err := ValidateFilter(f); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.filters = append(m.filters, filters...)
	m.mu.Unlock()

	if !m.client.IsConnectionOpen() {
		// replayed by onConnect
		return m.out, nil
	}

	for _, f := range filters {
		tok := m.client.Subscribe(f, mqttQoS, m.onMessage)
		select {
		case <-tok.Done():
			if err := tok.Error(); err != nil {
				return nil, err
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return m.out, nil
}

func (m *MQTT) Publish(_ context.Context, topic string, payload []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	if !m.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	tok := m.client.Publish(topic, mqttQoS, false, payload)
	go func() {
		if tok.Wait() && tok.Error() != nil {
			log.Error("MQTT publish failed", "topic", topic, "err", tok.Error())
		}
	}()

	return nil
}

func (m *MQTT) Close() error {
	m.once.Do(func() {
		close(m.done)
		m.client.Disconnect(250)
	})
	return nil
}
