// Package skill defines the contract between the dispatcher and the skills it
// routes intents to, and the registry that binds intent names to skills.
package skill

import (
	"context"
	log "log/slog"
	"time"

	"calico/internal/gateway"
	"calico/internal/session"
	"calico/internal/settings"
	"calico/internal/weather"
	"calico/pkg/hermes"
)

// Descriptor is a skill's binding to the intents it handles.
type Descriptor struct {
	Name         string
	Intent       string
	AnswerIntent string
}

// Intents lists the intents bound by d, primary first.
func (d Descriptor) Intents() []string {
	if d.AnswerIntent == "" {
		return []string{d.Intent}
	}
	return []string{d.Intent, d.AnswerIntent}
}

type Skill interface {
	Descriptor() Descriptor
	HandleIntent(ctx context.Context, msg *hermes.IntentMessage) error
}

// Conversational skills keep per-session state between turns and want to
// hear about answers the NLU could not match.
type Conversational interface {
	Owns(ctx context.Context, sessionID string) bool
	HandleNotRecognized(ctx context.Context, msg *hermes.NotRecognized) error
}

// Actions runs side effects that outlive the intent handler.
type Actions interface {
	Open(target string) error
	Spawn(name string, args ...string) error
}

// Env is everything a skill constructor may depend on.
type Env struct {
	// Descriptor is the effective binding after manifest overrides.
	Descriptor Descriptor

	Gateway    *gateway.Gateway
	Settings   *settings.Settings
	Sessions   session.Store
	SessionTTL time.Duration
	Actions    Actions
	Weather    *weather.Client

	// SettingsApp is the command line that opens the settings editor.
	SettingsApp string

	// Logger is filled by Load from Logs, keyed by the primary intent.
	Logger *log.Logger
	Logs   func(component string) *log.Logger
}

// Registration is one entry of the typed skill list.
type Registration struct {
	Name         string
	Intent       string
	AnswerIntent string
	New          func(env Env) (Skill, error)
}

func (r Registration) descriptor() Descriptor {
	return Descriptor{Name: r.Name, Intent: r.Intent, AnswerIntent: r.AnswerIntent}
}
