// Package skills holds the built-in skills and the list that registers them.
package skills

import (
	"context"
	log "log/slog"

	"calico/internal/gateway"
	"calico/internal/session"
	"calico/internal/skill"
	"calico/pkg/hermes"
)

// Catalog is the typed registration list loaded by the daemon.
func Catalog() []skill.Registration {
	return []skill.Registration{
		{Name: "hello", Intent: "Hello", New: NewHello},
		{Name: "clock", Intent: "Tell_Time", New: NewClock},
		{Name: "colors", Intent: "Ask_Me_Colors", AnswerIntent: "Answer_Colors", New: NewColors},
		{Name: "temperature", Intent: "Local_Temp", New: NewTemperature},
		{Name: "forecast", Intent: "Local_Forecast", New: NewForecast},
		{Name: "gmail", Intent: "Open_Gmail", New: NewGmail},
		{Name: "settings", Intent: "Open_Settings", New: NewSettingsApp},
	}
}

// oneShot is the shared part of skills that answer in a single turn.
type oneShot struct {
	desc skill.Descriptor
	gw   *gateway.Gateway
	log  *log.Logger
}

func newOneShot(env skill.Env) oneShot {
	return oneShot{desc: env.Descriptor, gw: env.Gateway, log: env.Logger}
}

func (o oneShot) Descriptor() skill.Descriptor { return o.desc }

// say speaks text in msg's session and ends it.
func (o oneShot) say(ctx context.Context, msg *hermes.IntentMessage, text string) error {
	o.log.Info("Speaking response", "session", msg.SessionID, "text", text)
	return o.gw.Reply(ctx, session.HandleOf(msg), text)
}
