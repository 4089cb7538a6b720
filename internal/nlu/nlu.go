package nlu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	log "log/slog"
	"net/http"
	"slices"
	"strings"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

var ErrUnknown = errors.New("utterance matches no intent")

type Result struct {
	Intent string            `json:"intent"`
	Slots  map[string]string `json:"slots"`
}

const systemPrompt = `
You are the fallback intent classifier of a voice assistant.
The primary NLU did not recognize the user's utterance. Your ONLY job is to
map it to one of the intents below, or to "unknown".

GENERAL RULES:
1. Do NOT converse.
2. Do NOT answer the question.
3. Output ONLY JSON. No markdown.
4. Never invent intents that are not listed.

OUTPUT FORMAT:
{
  "intent": "<one of the intents or unknown>",
  "slots": { "<slot name>": "<string value>" }
}

KNOWN SLOTS:
- "today_or_tomorrow": "today" or "tomorrow" (forecast requests)
- "color": a simple English color name

INTENTS:
%s

If the meaning is unclear, intent = "unknown".
`

// NewClient builds an OpenAI client that sends requests through hc.
func NewClient(apiKey string, hc *http.Client, opts ...option.RequestOption) openai.Client {
	return openai.NewClient(append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(hc),
	}, opts...)...)
}

// Recognizer classifies utterances the pipeline's NLU gave up on.
type Recognizer struct {
	client openai.Client
	model  openai.ChatModel
}

func New(client openai.Client, model string) *Recognizer {
	r := &Recognizer{client: client, model: openai.ChatModelGPT5Nano}
	if model != "" {
		r.model = openai.ChatModel(model)
	}
	return r
}

func prompt(intents []string) string {
	var b strings.Builder
	for _, i := range intents {
		b.WriteString("- \"")
		b.WriteString(i)
		b.WriteString("\"\n")
	}
	return fmt.Sprintf(systemPrompt, b.String())
}

// Recognize maps input to one of intents. Anything else, including the
// model's "unknown", is ErrUnknown.
func (r *Recognizer) Recognize(ctx context.Context, input string, intents []string) (string, map[string]string, error) {
	if strings.TrimSpace(input) == "" || len(intents) == 0 {
		return "", nil, ErrUnknown
	}

	resp, err := r.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt(intents)),
			openai.UserMessage(input),
		},
		Model: r.model,
	})
	if err != nil {
		return "", nil, fmt.Errorf("chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("no choices in response")
	}

	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", nil, fmt.Errorf("empty message content")
	}

	log.Debug("Classified", "input", input, "data", content)

	var out Result
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return "", nil, fmt.Errorf("unmarshal NLU result: %w (raw: %s)", err, content)
	}

	if !slices.Contains(intents, out.Intent) {
		return "", nil, ErrUnknown
	}
	return out.Intent, out.Slots, nil
}
