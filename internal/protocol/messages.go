// Package protocol defines the JSON messages exchanged with clients over
// the websocket and NATS transports.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/speakstream/internal/stream"
	"github.com/loqalabs/speakstream/internal/tts"
)

const (
	TypeChat             = "chat"
	TypePing             = "ping"
	TypeResponseStart    = "response_start"
	TypeChunk            = "chunk"
	TypeResponseComplete = "response_complete"
	TypeError            = "error"
	TypePong             = "pong"

	ChunkText  = "text"
	ChunkAudio = "audio"

	CodeSynthesisFailure = "synthesis_failure"
	CodeInvalidRequest   = "invalid_request"
	CodeBusy             = "busy"
)

var (
	ErrInvalidJSON = errors.New("Invalid JSON format")
	ErrUnknownType = errors.New("Unknown message type")
)

// Inbound is a client request. TurnID is optional and only honoured by the
// NATS bridge.
type Inbound struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	TurnID  string `json:"turn_id,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
	Tier    string `json:"tier,omitempty"`
}

// Message is every outbound message. Optional fields are pointers where the
// zero value is meaningful on the wire.
type Message struct {
	Type       string     `json:"type"`
	TurnID     string     `json:"turn_id,omitempty"`
	Message    string     `json:"message,omitempty"`
	Data       *ChunkData `json:"data,omitempty"`
	FullText   *string    `json:"full_text,omitempty"`
	Code       string     `json:"code,omitempty"`
	FragmentID *int       `json:"fragment_id,omitempty"`
	Fatal      *bool      `json:"fatal,omitempty"`
}

// Accepted acknowledges a turn request received over NATS. Subject is where
// the turn's messages will be published.
type Accepted struct {
	TurnID  string `json:"turn_id"`
	Subject string `json:"subject"`
}

// ChunkData is the payload of a chunk message. Audio chunks carry a base64
// WAV container in Data.
type ChunkData struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	ChunkID    int    `json:"chunk_id"`
	Text       string `json:"text,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Format     string `json:"format,omitempty"`
}

// ParseInbound decodes and classifies one client frame. An empty chat
// message is returned as-is; the coordinator rejects it.
func ParseInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, ErrInvalidJSON
	}
	switch in.Type {
	case TypeChat, TypePing:
		return in, nil
	case "":
		// Bare {"message": ...} bodies are treated as chat.
		if in.Message != "" {
			in.Type = TypeChat
			return in, nil
		}
	}
	return in, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
}

// FromEvent maps a turn event onto its wire message.
func FromEvent(turnID string, ev stream.Event) (Message, error) {
	switch e := ev.(type) {
	case stream.TurnStarted:
		return Message{Type: TypeResponseStart, TurnID: turnID, Message: "Generating response..."}, nil
	case stream.TextDelta:
		return Message{Type: TypeChunk, TurnID: turnID, Data: &ChunkData{
			Type:    ChunkText,
			Data:    e.Content,
			ChunkID: e.FragmentSeq,
		}}, nil
	case stream.AudioReady:
		wav, err := tts.EncodeWAV(e.Audio)
		if err != nil {
			return Message{}, fmt.Errorf("encode fragment %d: %w", e.FragmentSeq, err)
		}
		return Message{Type: TypeChunk, TurnID: turnID, Data: &ChunkData{
			Type:       ChunkAudio,
			Data:       base64.StdEncoding.EncodeToString(wav),
			ChunkID:    e.FragmentSeq,
			Text:       e.Text,
			SampleRate: e.Audio.SampleRate,
			Format:     "wav",
		}}, nil
	case stream.FragmentFailed:
		seq := e.FragmentSeq
		return Message{
			Type:       TypeError,
			TurnID:     turnID,
			Message:    fmt.Sprintf("Audio unavailable for fragment %d: %s", seq, e.Reason),
			Code:       CodeSynthesisFailure,
			FragmentID: &seq,
			Fatal:      boolPtr(false),
		}, nil
	case stream.TurnCompleted:
		full := e.FullText
		return Message{
			Type:     TypeResponseComplete,
			TurnID:   turnID,
			FullText: &full,
			Message:  "Response generation completed",
		}, nil
	case stream.TurnFailed:
		return Message{
			Type:    TypeError,
			TurnID:  turnID,
			Message: e.Reason,
			Code:    string(e.Code),
			Fatal:   boolPtr(true),
		}, nil
	}
	return Message{}, fmt.Errorf("protocol: unsupported event %T", ev)
}

// Encode is FromEvent followed by JSON marshalling.
func Encode(turnID string, ev stream.Event) ([]byte, error) {
	msg, err := FromEvent(turnID, ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

// Pong answers a ping.
func Pong() Message {
	return Message{Type: TypePong, Message: "Server is alive"}
}

// Reject reports a request that never became a turn.
func Reject(code string, err error) Message {
	return Message{Type: TypeError, Message: err.Error(), Code: code, Fatal: boolPtr(false)}
}

// Decode parses an outbound message, for clients and tests.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, errors.New("decode message: missing type")
	}
	return msg, nil
}

// DecodeAudio extracts the waveform of an audio chunk.
func DecodeAudio(msg Message) (tts.Audio, error) {
	if msg.Data == nil || msg.Data.Type != ChunkAudio {
		return tts.Audio{}, errors.New("message is not an audio chunk")
	}
	raw, err := base64.StdEncoding.DecodeString(msg.Data.Data)
	if err != nil {
		return tts.Audio{}, fmt.Errorf("decode base64 audio: %w", err)
	}
	return tts.DecodeWAV(raw)
}

// Terminal reports whether msg ends a turn.
func Terminal(msg Message) bool {
	switch msg.Type {
	case TypeResponseComplete:
		return true
	case TypeError:
		return msg.Fatal != nil && *msg.Fatal
	}
	return false
}

// EventSubject is the NATS subject a turn's messages are published on.
func EventSubject(prefix, turnID string) string {
	return strings.TrimSuffix(prefix, ".") + "." + turnID
}

func boolPtr(v bool) *bool { return &v }
