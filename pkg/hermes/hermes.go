// Package hermes encodes and decodes the Hermes MQTT protocol messages
// exchanged with the voice pipeline (Rhasspy / Snips dialogue manager).
package hermes

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	TopicIntentPrefix    = "hermes/intent/"
	TopicIntentAll       = "hermes/intent/#"
	TopicNotRecognized   = "hermes/nlu/intentNotRecognized"
	TopicSay             = "hermes/tts/say"
	TopicContinueSession = "hermes/dialogueManager/continueSession"
	TopicEndSession      = "hermes/dialogueManager/endSession"
)

var (
	ErrEmptyPayload = errors.New("empty payload")
	ErrNoIntentName = errors.New("no intent name")
)

// IntentTopic returns the topic an intent named name is published on.
func IntentTopic(name string) string {
	return TopicIntentPrefix + name
}

// IsIntentTopic reports whether topic belongs to the recognized-intent namespace.
func IsIntentTopic(topic string) bool {
	return strings.HasPrefix(topic, TopicIntentPrefix) && len(topic) > len(TopicIntentPrefix)
}

// IntentMessage is a recognized intent as delivered to a skill.
type IntentMessage struct {
	IntentName string
	Confidence float64
	SessionID  string
	SiteID     string
	Input      string
	RawInput   string
	CustomData string
	Slots      map[string]string
}

// Slot returns the value of the named slot or def if it was not recognized.
func (m *IntentMessage) Slot(name, def string) string {
	if v, ok := m.Slots[name]; ok && v != "" {
		return v
	}
	return def
}

// NotRecognized is published by the NLU when an utterance inside a session
// matched none of the allowed intents.
type NotRecognized struct {
	Input      string `json:"input"`
	SiteID     string `json:"siteId"`
	SessionID  string `json:"sessionId"`
	CustomData string `json:"customData,omitempty"`
}

type wireIntent struct {
	Input  string `json:"input"`
	Intent struct {
		IntentName      string  `json:"intentName"`
		ConfidenceScore float64 `json:"confidenceScore"`
	} `json:"intent"`
	SiteID     string     `json:"siteId"`
	SessionID  string     `json:"sessionId"`
	CustomData string     `json:"customData,omitempty"`
	RawInput   string     `json:"rawInput,omitempty"`
	Slots      []wireSlot `json:"slots"`
}

type wireSlot struct {
	SlotName string `json:"slotName"`
	Entity   string `json:"entity,omitempty"`
	RawValue string `json:"rawValue,omitempty"`
	Value    struct {
		Kind  string `json:"kind,omitempty"`
		Value any    `json:"value"`
	} `json:"value"`
}

func (s wireSlot) text() string {
	switch v := s.Value.Value.(type) {
	case nil:
		return s.RawValue
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// DecodeIntent parses a hermes/intent/* payload.
func DecodeIntent(payload []byte) (*IntentMessage, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	var w wireIntent
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("decode intent: %w", err)
	}
	if w.Intent.IntentName == "" {
		return nil, ErrNoIntentName
	}

	msg := &IntentMessage{
		IntentName: w.Intent.IntentName,
		Confidence: w.Intent.ConfidenceScore,
		SessionID:  w.SessionID,
		SiteID:     w.SiteID,
		Input:      w.Input,
		RawInput:   w.RawInput,
		CustomData: w.CustomData,
		Slots:      make(map[string]string, len(w.Slots)),
	}
	for _, s := range w.Slots {
		if s.SlotName == "" {
			continue
		}
		msg.Slots[s.SlotName] = s.text()
	}

	return msg, nil
}

// EncodeIntent is the inverse of DecodeIntent. Slot values are encoded as
// "Unknown" kind strings, which is what Rhasspy emits for custom slots.
func EncodeIntent(m *IntentMessage) ([]byte, error) {
	if m.IntentName == "" {
		return nil, ErrNoIntentName
	}

	var w wireIntent
	w.Input = m.Input
	w.RawInput = m.RawInput
	w.Intent.IntentName = m.IntentName
	w.Intent.ConfidenceScore = m.Confidence
	w.SiteID = m.SiteID
	w.SessionID = m.SessionID
	w.CustomData = m.CustomData
	w.Slots = make([]wireSlot, 0, len(m.Slots))
	for name, value := range m.Slots {
		var s wireSlot
		s.SlotName = name
		s.Entity = name
		s.RawValue = value
		s.Value.Kind = "Unknown"
		s.Value.Value = value
		w.Slots = append(w.Slots, s)
	}

	return json.Marshal(w)
}

// DecodeNotRecognized parses a hermes/nlu/intentNotRecognized payload.
func DecodeNotRecognized(payload []byte) (*NotRecognized, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	var nr NotRecognized
	if err := json.Unmarshal(payload, &nr); err != nil {
		return nil, fmt.Errorf("decode intentNotRecognized: %w", err)
	}
	return &nr, nil
}

// Say asks the TTS service to speak Text on SiteID.
type Say struct {
	ID        string `json:"id,omitempty"`
	Text      string `json:"text"`
	Lang      string `json:"lang,omitempty"`
	SiteID    string `json:"siteId"`
	SessionID string `json:"sessionId,omitempty"`
}

// ContinueSession keeps a dialogue session open, speaking Text and limiting
// recognition of the next utterance to IntentFilter.
type ContinueSession struct {
	SessionID               string   `json:"sessionId"`
	Text                    string   `json:"text"`
	IntentFilter            []string `json:"intentFilter,omitempty"`
	CustomData              string   `json:"customData,omitempty"`
	SendIntentNotRecognized bool     `json:"sendIntentNotRecognized"`
}

// EndSession terminates a dialogue session, optionally speaking Text first.
type EndSession struct {
	SessionID  string `json:"sessionId"`
	Text       string `json:"text,omitempty"`
	CustomData string `json:"customData,omitempty"`
}
