package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"hermes/intent/#", "hermes/intent/Hello", true},
		{"hermes/intent/#", "hermes/intent", true},
		{"hermes/intent/#", "hermes/nlu/intentNotRecognized", false},
		{"hermes/+/say", "hermes/tts/say", true},
		{"hermes/+/say", "hermes/tts/x/say", false},
		{"hermes/tts/say", "hermes/tts/say", true},
		{"hermes/tts", "hermes/tts/say", false},
		{"#", "anything/at/all", true},
	}

	for _, tc := range cases {
		t.Run(tc.filter+"|"+tc.topic, func(t *testing.T) {
			assert.Equal(t, tc.want, Match(tc.filter, tc.topic))
		})
	}
}

func TestValidateFilter(t *testing.T) {
	assert.NoError(t, ValidateFilter("hermes/intent/#"))
	assert.NoError(t, ValidateFilter("hermes/+/say"))
	assert.Error(t, ValidateFilter(""))
	assert.Error(t, ValidateFilter("hermes/#/x"))
	assert.Error(t, ValidateFilter("hermes/in+tent"))
}

func TestSubjectMapping(t *testing.T) {
	assert.Equal(t, "hermes.intent.>", Subject("hermes/intent/#"))
	assert.Equal(t, "hermes.*.say", Subject("hermes/+/say"))
	assert.Equal(t, "hermes/intent/Hello", Topic("hermes.intent.Hello"))
}

func TestNewUnknownKind(t *testing.T) {
	_, err := New("carrier-pigeon", Config{})
	assert.Error(t, err)

	b, err := New("memory", Config{})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)
}

func TestMemoryLoopback(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(4)

	ch, err := m.Subscribe(ctx, "hermes/intent/#")
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, "hermes/intent/A", []byte(`1`)))
	require.NoError(t, m.Publish(ctx, "hermes/tts/say", []byte(`2`)))
	require.NoError(t, m.Publish(ctx, "hermes/intent/B", []byte(`3`)))

	first := <-ch
	second := <-ch
	assert.Equal(t, "hermes/intent/A", first.Topic)
	assert.Equal(t, "hermes/intent/B", second.Topic)

	assert.Len(t, m.Published(), 3)
	assert.Len(t, m.PublishedOn("hermes/tts/say"), 1)

	m.Reset()
	assert.Empty(t, m.Published())

	require.NoError(t, m.Close())
	_, open := <-ch
	assert.False(t, open)
	assert.ErrorIs(t, m.Publish(ctx, "hermes/intent/A", nil), ErrClosed)
}

func TestMemoryPublishHonoursContext(t *testing.T) {
	m := NewMemory(1)
	_, err := m.Subscribe(context.Background(), "#")
	require.NoError(t, err)

	require.NoError(t, m.Publish(context.Background(), "a", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Publish(ctx, "b", nil), context.DeadlineExceeded)
}

func TestWebSocketBridge(t *testing.T) {
	upgrader := ws.Upgrader{}
	published := make(chan wsFrame, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub wsFrame
		if err := conn.ReadJSON(&sub); err != nil || sub.Type != "subscribe" {
			return
		}

		_ = conn.WriteJSON(wsFrame{Topic: "hermes/tts/say", Payload: json.RawMessage(`{"text":"ignored"}`)})
		_ = conn.WriteJSON(wsFrame{Topic: "hermes/intent/Hello", Payload: json.RawMessage(`{"intent":{"intentName":"Hello"}}`)})

		var pub wsFrame
		if err := conn.ReadJSON(&pub); err == nil {
			published <- pub
		}
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	b := NewWebSocket(Config{URL: url, Reconnect: 10 * time.Millisecond})
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := b.Subscribe(ctx, "hermes/intent/#")
	require.NoError(t, err)
	require.NoError(t, b.Connect(ctx))

	select {
	case d := <-ch:
		assert.Equal(t, "hermes/intent/Hello", d.Topic)
		assert.JSONEq(t, `{"intent":{"intentName":"Hello"}}`, string(d.Payload))
	case <-ctx.Done():
		t.Fatal("no delivery from bridge")
	}

	require.NoError(t, b.Publish(ctx, "hermes/tts/say", []byte(`{"text":"hi","siteId":"default"}`)))
	select {
	case f := <-published:
		assert.Equal(t, "publish", f.Type)
		assert.Equal(t, "hermes/tts/say", f.Topic)
	case <-ctx.Done():
		t.Fatal("bridge did not receive publication")
	}

	assert.Error(t, b.Publish(ctx, "hermes/tts/say", []byte(`not json`)))
}

func TestConnectWithBackoffStopsOnContext(t *testing.T) {
	b := NewMemory(1)
	require.NoError(t, b.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := ConnectWithBackoff(ctx, b, 10*time.Millisecond)
	assert.Error(t, err)
}
