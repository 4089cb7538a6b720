package skills

import (
	"context"
	"math/rand/v2"

	"calico/internal/skill"
	"calico/pkg/hermes"
)

var greetings = []string{
	"Hi!",
	"Hello!",
	"Hey!",
	"Hello there!",
	"Hi there!",
	"Hey there!",
	"Hello, human!",
}

type Hello struct {
	oneShot
}

func NewHello(env skill.Env) (skill.Skill, error) {
	return &Hello{oneShot: newOneShot(env)}, nil
}

func (h *Hello) HandleIntent(ctx context.Context, msg *hermes.IntentMessage) error {
	return h.say(ctx, msg, greetings[rand.IntN(len(greetings))])
}
