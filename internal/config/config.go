// Package config assembles the daemon configuration from flags, the
// environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	cli "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"calico/internal/settings"
)

type Config struct {
	EnvFile string `mapstructure:"env"`

	Broker         string `mapstructure:"broker"`
	BrokerURL      string `mapstructure:"broker-url"`
	BrokerUser     string `mapstructure:"broker-user"`
	BrokerPassword string `mapstructure:"broker-password"`
	ClientID       string `mapstructure:"client-id"`

	SkillsDir   string `mapstructure:"skills-dir"`
	Settings    string `mapstructure:"settings"`
	SettingsApp string `mapstructure:"settings-app"`
	Lang        string `mapstructure:"lang"`

	Log         string `mapstructure:"log"`
	LogDir      string `mapstructure:"log-dir"`
	MetricsAddr string `mapstructure:"metrics-addr"`
	Socket      string `mapstructure:"socket"`

	SessionTTL   time.Duration `mapstructure:"session-ttl"`
	SessionStore string        `mapstructure:"session-store"`
	RedisURL     string        `mapstructure:"redis-url"`

	NLU          bool   `mapstructure:"nlu"`
	OpenAIModel  string `mapstructure:"openai-model"`
	OpenAIAPIKey string `mapstructure:"openai-api-key"`
	Proxy        string `mapstructure:"proxy"`
}

// Flags declares the daemon flags on a new flag set.
func Flags() *cli.FlagSet {
	fs := cli.NewFlagSet("calico-daemon", cli.ContinueOnError)

	fs.StringP("env", "e", ".env", "Env file path")
	fs.StringP("broker", "b", "mqtt", "Broker kind: mqtt, ws, nats or memory")
	fs.StringP("broker-url", "u", "", "Broker URL (kind specific default)")
	fs.String("broker-user", "", "Broker username")
	fs.String("broker-password", "", "Broker password")
	fs.String("client-id", "", "Broker client id (random if empty)")

	fs.String("skills-dir", "skills", "Directory of skill manifests")
	fs.String("settings", settings.DefaultPath(), "User settings file")
	fs.String("settings-app", "calico-settings", "Command started by the Open_Settings skill")
	fs.String("lang", "", "Language passed to the TTS service")

	fs.StringP("log", "l", "info", "Log level")
	fs.String("log-dir", "logs", "Directory for rotating log files (empty disables)")
	fs.String("metrics-addr", ":9464", "Prometheus listen address (empty disables)")
	fs.StringP("socket", "s", "/tmp/calico.sock", "Control socket path")

	fs.Duration("session-ttl", 5*time.Minute, "How long a question waits for its answer")
	fs.String("session-store", "memory", "Conversation store: memory or redis")
	fs.String("redis-url", "redis://localhost:6379/0", "Redis URL for the redis session store")

	fs.Bool("nlu", false, "Classify unrecognized utterances with OpenAI")
	fs.String("openai-model", "gpt-5-nano", "OpenAI model for the fallback recognizer")
	fs.StringP("proxy", "p", "", "Socks proxy address for outbound HTTP")

	return fs
}

// Load parses args and merges them with the environment. Flags given
// explicitly win over environment variables (CALICO_*), which win over flag
// defaults.
func Load(args []string) (*Config, error) {
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	envFile, _ := fs.GetString("env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("Failed to load env file", "path", envFile, "err", err)
	}

	v := viper.New()
	v.SetEnvPrefix("CALICO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	_ = v.BindEnv("openai-api-key", "CALICO_OPENAI_API_KEY", "OPENAI_API_KEY")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Broker {
	case "mqtt", "ws", "websocket", "nats", "memory":
	default:
		return fmt.Errorf("unknown broker %q", c.Broker)
	}

	switch c.SessionStore {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("redis session store needs --redis-url")
		}
	default:
		return fmt.Errorf("unknown session store %q", c.SessionStore)
	}

	if c.SessionTTL <= 0 {
		return fmt.Errorf("session-ttl must be positive, got %s", c.SessionTTL)
	}
	if c.NLU && c.OpenAIAPIKey == "" {
		return errors.New("--nlu needs OPENAI_API_KEY")
	}
	return nil
}
