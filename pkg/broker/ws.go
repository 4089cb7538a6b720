package broker

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

// wsFrame is the envelope spoken by Rhasspy's /api/mqtt websocket bridge.
type wsFrame struct {
	Type    string          `json:"type,omitempty"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WebSocket reaches the Hermes bus through a websocket-to-MQTT bridge
// instead of a direct broker connection.
type WebSocket struct {
	url    string
	reconn time.Duration

	connMu sync.Mutex
	conn   *ws.Conn
	wmu    sync.Mutex

	mu      sync.Mutex
	filters []string

	out      chan Delivery
	done     chan struct{}
	once     sync.Once
	readOnce sync.Once
}

func NewWebSocket(cfg Config) *WebSocket {
	url := cfg.URL
	if url == "" {
		url = "ws://localhost:12101/api/mqtt"
	}

	return &WebSocket{
		url:    url,
		reconn: cfg.reconnect(),
		out:    make(chan Delivery, cfg.buffer()),
		done:   make(chan struct{}),
	}
}

func (web *WebSocket) Connect(ctx context.Context) error {
	select {
	case <-web.done:
		return ErrClosed
	default:
	}

	log.Debug("Dialing websocket bridge", "url", web.url)

	conn, _, err := ws.DefaultDialer.DialContext(ctx, web.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", web.url, err)
	}
	web.setConn(conn)

	if err := web.resubscribe(); err != nil {
		return err
	}

	web.readOnce.Do(func() { go web.readLoop() })

	log.Info("Connected to websocket bridge", "url", web.url)
	return nil
}

func (web *WebSocket) setConn(c *ws.Conn) {
	web.connMu.Lock()
	old := web.conn
	web.conn = c
	web.connMu.Unlock()

	if old != nil {
		old.Close()
	}
}

func (web *WebSocket) current() *ws.Conn {
	web.connMu.Lock()
	defer web.connMu.Unlock()
	return web.conn
}

func (web *WebSocket) write(f wsFrame) error {
	conn := web.current()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	web.wmu.Lock()
	defer web.wmu.Unlock()
	log.Debug("Write ws", "topic", f.Topic, "type", f.Type)
	return conn.WriteMessage(ws.TextMessage, data)
}

func (web *WebSocket) resubscribe() error {
	web.mu.Lock()
	filters := append([]string(nil), web.filters...)
	web.mu.Unlock()

	for _, f := range filters {
		if err := web.write(wsFrame{Type: "subscribe", Topic: f}); err != nil {
			return fmt.Errorf("subscribe %s: %w", f, err)
		}
	}
	return nil
}

type wsIncomeKind uint

const (
	connClose wsIncomeKind = iota
	readFailure
	readOK
)

type income struct {
	kind wsIncomeKind
	msg  []byte
	err  error
}

func (web *WebSocket) read() income {
	conn := web.current()
	if conn == nil {
		return income{kind: connClose, err: ErrNotConnected}
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		if wsIsClosed(err) {
			return income{kind: connClose, err: err}
		}
		return income{kind: readFailure, err: err}
	}

	return income{kind: readOK, msg: msg}
}

func (web *WebSocket) readLoop() {
	for {
		select {
		case <-web.done:
			return
		default:
		}

		in := web.read()
		switch in.kind {
		case connClose, readFailure:
			select {
			case <-web.done:
				return
			default:
			}
			log.Warn("Websocket bridge lost, reconnecting", "url", web.url, "err", in.err)
			if !web.tryReconn() {
				return
			}
			log.Info("Successfully reconnected", "url", web.url)

		case readOK:
			var f wsFrame
			if err := json.Unmarshal(in.msg, &f); err != nil {
				log.Warn("Failed to parse frame", "err", err)
				continue
			}

			web.mu.Lock()
			ok := MatchAny(web.filters, f.Topic)
			web.mu.Unlock()
			if !ok {
				continue
			}

			select {
			case web.out <- Delivery{Topic: f.Topic, Payload: []byte(f.Payload)}:
			case <-web.done:
				return
			}
		}
	}
}

// tryReconn redials until it succeeds or the broker is closed.
func (web *WebSocket) tryReconn() bool {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := web.Connect(ctx)
		cancel()
		if err == nil {
			return true
		}
		if err == ErrClosed {
			return false
		}

		select {
		case <-web.done:
			return false
		case <-time.After(web.reconn):
		}
	}
}

func (web *WebSocket) Subscribe(_ context.Context, filters ...string) (<-chan Delivery, error) {
	for _, f := range filters {
		if err := ValidateFilter(f); err != nil {
			return nil, err
		}
	}

	web.mu.Lock()
	web.filters = append(web.filters, filters...)
	web.mu.Unlock()

	if web.current() == nil {
		return web.out, nil
	}
	for _, f := range filters {
		if err := web.write(wsFrame{Type: "subscribe", Topic: f}); err != nil {
			return nil, err
		}
	}
	return web.out, nil
}

func (web *WebSocket) Publish(_ context.Context, topic string, payload []byte) error {
	select {
	case <-web.done:
		return ErrClosed
	default:
	}

	if !json.Valid(payload) {
		return fmt.Errorf("payload for %s is not JSON", topic)
	}
	return web.write(wsFrame{Type: "publish", Topic: topic, Payload: payload})
}

func (web *WebSocket) Close() error {
	web.once.Do(func() {
		close(web.done)
		if c := web.current(); c != nil {
			web.wmu.Lock()
			_ = c.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""))
			web.wmu.Unlock()
			c.Close()
		}
	})
	return nil
}

func wsIsClosed(err error) bool {
	return ws.IsCloseError(err,
		ws.CloseNormalClosure,
		ws.CloseGoingAway,
		ws.CloseAbnormalClosure)
}
