// Package trace turns the agent service's event batches into the flat shape
// the rest of compass consumes: display messages, parallel audio references,
// structured profile fields and a completion flag.
package trace

import (
	"encoding/json"
	"fmt"
)

// Wire type tags.
const (
	TypeText        = "text"
	TypeSpeak       = "speak"
	TypeEnd         = "end"
	TypeProfileData = "profile_data"
)

// Event is one agent-emitted trace. The concrete types below are the only
// implementations.
type Event interface {
	traceEvent()
}

// Text is a message with no audio rendition.
type Text struct {
	Message string
}

// Speak is a message with a spoken-audio source.
type Speak struct {
	Message string
	Src     string
}

// End marks the end of the conversation.
type End struct{}

// Data carries structured fields emitted out-of-band.
type Data struct {
	Fields map[string]any
}

// Ignored is any trace this layer does not act on (visuals, choices, ...).
type Ignored struct {
	Type string
}

func (Text) traceEvent()    {}
func (Speak) traceEvent()   {}
func (End) traceEvent()     {}
func (Data) traceEvent()    {}
func (Ignored) traceEvent() {}

type wireTrace struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type messagePayload struct {
	Message string `json:"message"`
	Src     string `json:"src"`
}

type dataPayload struct {
	Data map[string]any `json:"data"`
}

// Parse decodes a JSON array of traces. Malformed payloads on known types
// degrade to Ignored; only a malformed envelope is an error.
func Parse(raw []byte) ([]Event, error) {
	var wire []wireTrace
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode trace batch: %w", err)
	}

	events := make([]Event, 0, len(wire))
	for _, w := range wire {
		events = append(events, decode(w))
	}
	return events, nil
}

func decode(w wireTrace) Event {
	switch w.Type {
	case TypeText, TypeSpeak:
		var p messagePayload
		if len(w.Payload) == 0 || json.Unmarshal(w.Payload, &p) != nil || p.Message == "" {
			return Ignored{Type: w.Type}
		}
		if w.Type == TypeText {
			return Text{Message: p.Message}
		}
		return Speak{Message: p.Message, Src: p.Src}
	case TypeEnd:
		return End{}
	case TypeProfileData:
		var p dataPayload
		if len(w.Payload) == 0 || json.Unmarshal(w.Payload, &p) != nil || p.Data == nil {
			return Ignored{Type: w.Type}
		}
		return Data{Fields: p.Data}
	default:
		return Ignored{Type: w.Type}
	}
}

// Result is the normalized form of one batch. Messages and AudioRefs always
// have the same length; AudioRefs[i] is "" when message i has no audio.
type Result struct {
	Messages      []string       `json:"messages"`
	AudioRefs     []string       `json:"audioRefs"`
	ExtractedData map[string]any `json:"extractedData"`
	IsComplete    bool           `json:"isComplete"`
}

// Normalize folds events in order. It has no side effects and does not
// retain or mutate its input.
func Normalize(events []Event) Result {
	res := Result{
		Messages:      []string{},
		AudioRefs:     []string{},
		ExtractedData: map[string]any{},
	}

	for _, ev := range events {
		switch e := ev.(type) {
		case Text:
			res.Messages = append(res.Messages, e.Message)
			res.AudioRefs = append(res.AudioRefs, "")
		case Speak:
			res.Messages = append(res.Messages, e.Message)
			res.AudioRefs = append(res.AudioRefs, e.Src)
		case End:
			res.IsComplete = true
		case Data:
			// Shallow merge: nested values are replaced, not merged.
			for k, v := range e.Fields {
				res.ExtractedData[k] = v
			}
		case Ignored:
		}
	}
	return res
}

// ParseAndNormalize is Parse followed by Normalize.
func ParseAndNormalize(raw []byte) (Result, error) {
	events, err := Parse(raw)
	if err != nil {
		return Result{}, err
	}
	return Normalize(events), nil
}
