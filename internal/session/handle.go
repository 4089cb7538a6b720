package session

import (
	"errors"
	"math/rand/v2"

	"calico/pkg/hermes"
)

var (
	ErrNoSession   = errors.New("no pending conversation for session")
	ErrNoSessionID = errors.New("message has no session id")
)

// MaxRetries bounds how often an unrecognized answer is re-prompted before
// the conversation is abandoned.
const MaxRetries = 3

// GiveUpPrompt ends a conversation that ran out of retries.
const GiveUpPrompt = "I'm still not understanding. Let's try again later."

var retryPrompts = []string{
	"I'm sorry, I didn't catch that. Could you say it again?",
	"I didn't quite get that. Please repeat yourself.",
	"Could you say that one more time?",
	"I'm having a little trouble understanding. What was that?",
}

// RetryPrompt picks a re-prompt for an answer the NLU could not match.
func RetryPrompt() string {
	return retryPrompts[rand.IntN(len(retryPrompts))]
}

// Handle addresses the dialogue session a reply belongs to.
type Handle struct {
	SessionID string `json:"sessionId"`
	SiteID    string `json:"siteId"`
}

func HandleOf(msg *hermes.IntentMessage) Handle {
	return Handle{SessionID: msg.SessionID, SiteID: msg.SiteID}
}

func HandleOfNotRecognized(msg *hermes.NotRecognized) Handle {
	return Handle{SessionID: msg.SessionID, SiteID: msg.SiteID}
}
