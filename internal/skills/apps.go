package skills

import (
	"context"
	"errors"
	"strings"

	"calico/internal/skill"
	"calico/pkg/hermes"
)

const gmailURL = "https://mail.google.com"

// Gmail opens the inbox in the desktop browser.
type Gmail struct {
	oneShot
	actions skill.Actions
}

func NewGmail(env skill.Env) (skill.Skill, error) {
	if env.Actions == nil {
		return nil, errors.New("gmail needs an action executor")
	}
	return &Gmail{oneShot: newOneShot(env), actions: env.Actions}, nil
}

func (g *Gmail) HandleIntent(ctx context.Context, msg *hermes.IntentMessage) error {
	g.log.Info("Attempting to open Gmail")
	if err := g.actions.Open(gmailURL); err != nil {
		g.log.Error("Failed to open web browser", "err", err)
		return g.say(ctx, msg, "Sorry, I could not open your inbox right now.")
	}
	return g.say(ctx, msg, "Here is your inbox.")
}

// SettingsApp launches the external settings editor.
type SettingsApp struct {
	oneShot
	actions skill.Actions
	command []string
}

func NewSettingsApp(env skill.Env) (skill.Skill, error) {
	if env.Actions == nil {
		return nil, errors.New("settings needs an action executor")
	}
	command := strings.Fields(env.SettingsApp)
	if len(command) == 0 {
		return nil, errors.New("no settings app configured")
	}
	return &SettingsApp{oneShot: newOneShot(env), actions: env.Actions, command: command}, nil
}

func (s *SettingsApp) HandleIntent(ctx context.Context, msg *hermes.IntentMessage) error {
	s.log.Info("Attempting to open settings", "cmd", s.command)
	if err := s.actions.Spawn(s.command[0], s.command[1:]...); err != nil {
		s.log.Error("Failed to open settings", "err", err)
		return s.say(ctx, msg, "Sorry, I couldn't open settings.")
	}
	return s.say(ctx, msg, "Opening settings.")
}
