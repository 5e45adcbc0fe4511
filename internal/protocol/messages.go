package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeUserText       MessageType = "user_text"
	TypeUserAudio      MessageType = "user_audio"
	TypeAssistantReply MessageType = "assistant_reply"
	TypeTurnFailed     MessageType = "turn_failed"
	TypeMemoryWritten  MessageType = "memory_written"
	TypeErrorEvent     MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// UserText carries one typed user utterance.
type UserText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// UserAudio carries one recorded utterance as a base64 WAV blob.
type UserAudio struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	WAVBase64  string      `json:"wav_base64"`
	SampleRate int         `json:"sample_rate,omitempty"`
}

// AssistantReply is the finished turn sent back to the client.
type AssistantReply struct {
	Type        MessageType `json:"type"`
	SessionID   string      `json:"session_id"`
	TurnID      string      `json:"turn_id"`
	InputText   string      `json:"input_text"`
	Text        string      `json:"text"`
	AudioBase64 string      `json:"audio_base64,omitempty"`
	AudioFormat string      `json:"audio_format,omitempty"`
	NoOp        bool        `json:"no_op,omitempty"`
}

type TurnFailed struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Kind      string      `json:"kind"`
	Detail    string      `json:"detail,omitempty"`
	Spoken    string      `json:"spoken,omitempty"`
}

// MemoryWritten notifies the client that a turn produced durable memories.
type MemoryWritten struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	RecordIDs []string    `json:"record_ids"`
	Skipped   int         `json:"skipped,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeUserText:
		var msg UserText
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid user_text")
		}
		return msg, nil
	case TypeUserAudio:
		var msg UserAudio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.WAVBase64 == "" {
			return nil, errors.New("invalid user_audio")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
