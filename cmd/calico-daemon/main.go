package main

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/spf13/pflag"

	"calico/internal/action"
	"calico/internal/config"
	"calico/internal/dispatch"
	"calico/internal/gateway"
	"calico/internal/ipc"
	"calico/internal/logging"
	"calico/internal/metrics"
	"calico/internal/nlu"
	"calico/internal/proxy"
	"calico/internal/session"
	"calico/internal/settings"
	"calico/internal/skill"
	"calico/internal/skills"
	"calico/internal/weather"
	"calico/pkg/broker"
	"calico/pkg/hermes"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, cli.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "calico-daemon:", err)
		os.Exit(1)
	}

	logs, err := logging.Setup(cfg.Log, cfg.LogDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "calico-daemon:", err)
		os.Exit(1)
	}
	defer logs.Close()

	log.Info("Booting up", "broker", cfg.Broker, "session_store", cfg.SessionStore)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
			log.Error("Metrics server failed", "addr", cfg.MetricsAddr, "err", err)
		}
	}()

	userSettings, err := settings.Load(cfg.Settings)
	if err != nil {
		log.Error("Failed to load settings, using defaults", "err", err)
		userSettings = settings.Defaults()
	}

	httpClient, err := proxy.NewClient(cfg.Proxy, proxy.DefaultTimeout)
	if err != nil {
		log.Error("Failed to dial socks proxy", "proxy", cfg.Proxy, "err", err)
		os.Exit(1)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Error("Failed to open session store", "store", cfg.SessionStore, "err", err)
		os.Exit(1)
	}
	defer store.Close()

	bus, err := broker.New(cfg.Broker, broker.Config{
		URL:      cfg.BrokerURL,
		ClientID: cfg.ClientID,
		Username: cfg.BrokerUser,
		Password: cfg.BrokerPassword,
	})
	if err != nil {
		log.Error("Failed to create broker", "err", err)
		os.Exit(1)
	}
	defer bus.Close()

	deliveries, err := bus.Subscribe(ctx, hermes.TopicIntentAll, hermes.TopicNotRecognized)
	if err != nil {
		log.Error("Failed to subscribe", "err", err)
		os.Exit(1)
	}

	if err := broker.ConnectWithBackoff(ctx, bus, 30*time.Second); err != nil {
		log.Error("Failed to connect to broker", "url", cfg.BrokerURL, "err", err)
		os.Exit(1)
	}

	gw := gateway.New(bus, cfg.Lang)
	actions := action.New(nil, 0)

	reg, err := skill.Load(cfg.SkillsDir, skills.Catalog(), skill.Env{
		Gateway:     gw,
		Settings:    userSettings,
		Sessions:    store,
		SessionTTL:  cfg.SessionTTL,
		Actions:     actions,
		Weather:     weather.New(httpClient),
		SettingsApp: cfg.SettingsApp,
		Logs:        logs.For,
	})
	if err != nil {
		log.Error("Failed to load skills", "dir", cfg.SkillsDir, "err", err)
		os.Exit(1)
	}
	if err := reg.Failures(); err != nil {
		log.Warn("Some skills failed to load", "err", err)
	}

	var opts []dispatch.Option
	if cfg.NLU {
		client := nlu.NewClient(cfg.OpenAIAPIKey, httpClient)
		opts = append(opts, dispatch.WithRecognizer(nlu.New(client, cfg.OpenAIModel)))
		log.Debug("Fallback recognizer enabled", "model", cfg.OpenAIModel)
	}
	d := dispatch.New(reg, gw, opts...)

	if _, err := ipc.StartServer(ctx, cfg.Socket, control(reg, gw)); err != nil {
		log.Error("Failed ipc server", "err", err)
		os.Exit(1)
	}

	log.Info("Boot up - successful")

	if err := d.Run(ctx, deliveries); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Dispatcher stopped", "err", err)
	}
	log.Info("Shutting down")
}

func openStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	if cfg.SessionStore == "redis" {
		return session.NewRedisStore(ctx, cfg.RedisURL)
	}

	store := session.NewMemoryStore(sweepInterval(cfg.SessionTTL))
	skills.WatchExpiry(store)
	return store, nil
}

func sweepInterval(ttl time.Duration) time.Duration {
	return max(ttl/10, time.Second)
}

func control(reg *skill.Registry, gw *gateway.Gateway) ipc.Handler {
	return func(ctx context.Context, req ipc.Request) (ipc.Response, error) {
		switch req.Cmd {
		case ipc.CmdStatus:
			var names []string
			for _, s := range reg.Skills() {
				names = append(names, s.Descriptor().Name)
			}
			return ipc.Response{Skills: names, Intents: reg.Intents(), Failed: reg.Failed()}, nil

		case ipc.CmdInject:
			site := req.Site
			if site == "" {
				site = "default"
			}
			err := gw.PublishIntent(ctx, &hermes.IntentMessage{
				IntentName: req.Intent,
				SiteID:     site,
				Input:      req.Input,
				Confidence: 1,
				Slots:      req.Slots,
			})
			return ipc.Response{}, err

		default:
			log.Warn("Unknown command", "cmd", req.Cmd)
			return ipc.Response{}, fmt.Errorf("unknown command %q", req.Cmd)
		}
	}
}
