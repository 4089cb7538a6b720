package skills

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"calico/internal/skill"
	"calico/pkg/hermes"
)

var timeOpeners = []string{
	"The time is",
	"It is currently",
	"The clock says it's",
}

// Clock tells the local time in 12-hour format.
type Clock struct {
	oneShot
	now func() time.Time
}

func NewClock(env skill.Env) (skill.Skill, error) {
	return &Clock{oneShot: newOneShot(env), now: time.Now}, nil
}

func (c *Clock) HandleIntent(ctx context.Context, msg *hermes.IntentMessage) error {
	return c.say(ctx, msg, spokenTime(c.now(), timeOpeners[rand.IntN(len(timeOpeners))]))
}

// spokenTime spells the meridiem phonetically so every TTS voice reads it
// as letters.
func spokenTime(t time.Time, opener string) string {
	cycle := "ae em"
	if t.Hour() >= 12 {
		cycle = "pee em"
	}

	hour := t.Hour() % 12
	if hour == 0 {
		hour = 12
	}

	if t.Minute() == 0 {
		return fmt.Sprintf("%s %d o'clock, %s.", opener, hour, cycle)
	}
	return fmt.Sprintf("%s %d %02d, %s.", opener, hour, t.Minute(), cycle)
}
