package broker

import (
	"context"
	log "log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
)

type Config struct {
	URL       string
	ClientID  string
	Username  string
	Password  string
	Reconnect time.Duration // pause between reconnect attempts
	Buffer    int
}

func (c Config) buffer() int {
	if c.Buffer <= 0 {
		return DefaultBuffer
	}
	return c.Buffer
}

func (c Config) reconnect() time.Duration {
	if c.Reconnect <= 0 {
		return 5 * time.Second
	}
	return c.Reconnect
}

func (c Config) clientID() string {
	if c.ClientID != "" {
		return c.ClientID
	}
	return "calico-" + uuid.NewString()[:8]
}

// ConnectWithBackoff keeps calling b.Connect with exponential backoff,
// capped at maxDelay, until it succeeds or ctx is done.
func ConnectWithBackoff(ctx context.Context, b Broker, maxDelay time.Duration) error {
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}

	return retry.Do(
		func() error {
			return b.Connect(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.Warn("Broker connect failed, retrying", "attempt", n+1, "err", err)
		}),
	)
}
