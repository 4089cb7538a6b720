package skills

import (
	"context"
	"fmt"

	"calico/internal/session"
	"calico/internal/skill"
	"calico/pkg/hermes"
)

const favoriteColorQuestion = "What is your favorite color?"

type colorQuestion struct {
	Question string `json:"question"`
}

// Colors asks for the user's favorite color and comments on the answer.
type Colors struct {
	*dialog[colorQuestion]
}

func NewColors(env skill.Env) (skill.Skill, error) {
	if env.Sessions == nil {
		return nil, fmt.Errorf("colors needs a session store")
	}
	return &Colors{dialog: newDialog[colorQuestion](env)}, nil
}

func (c *Colors) Descriptor() skill.Descriptor { return c.desc }

func (c *Colors) HandleIntent(ctx context.Context, msg *hermes.IntentMessage) error {
	if msg.IntentName == c.desc.AnswerIntent {
		return c.handleAnswer(ctx, msg)
	}

	c.log.Info("Starting favorite color conversation", "session", msg.SessionID)
	return c.ask(ctx, msg, favoriteColorQuestion, colorQuestion{Question: favoriteColorQuestion})
}

func (c *Colors) handleAnswer(ctx context.Context, msg *hermes.IntentMessage) error {
	conv, err := c.answer(ctx, msg)
	if err != nil || conv == nil {
		return err
	}

	color := msg.Slot("color", msg.Input)
	if color == "" {
		color = "that color"
	}

	c.log.Info("User responded with color", "session", msg.SessionID, "color", color)
	return c.gw.Reply(ctx, session.HandleOf(msg), fmt.Sprintf("Wow! %s is a great color. Mine is orange.", color))
}
