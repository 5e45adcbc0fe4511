package turn

import (
	"errors"
	"fmt"
	"time"
)

// State names one step of the per-turn pipeline. Each turn walks the
// states linearly; Failed is a terminal state reachable from any of them.
type State string

const (
	StateAwaitingInput State = "awaiting_input"
	StateTranscribing  State = "transcribing"
	StateRetrieving    State = "retrieving"
	StateGenerating    State = "generating"
	StateExtracting    State = "extracting"
	StatePersisting    State = "persisting"
	StateSynthesizing  State = "synthesizing"
	StateComplete      State = "complete"
	StateFailed        State = "failed"
)

// FailureKind classifies why a turn ended in Failed.
type FailureKind string

const (
	FailureTranscription FailureKind = "transcription_error"
	FailureGeneration    FailureKind = "generation_error"
	FailureSynthesis     FailureKind = "synthesis_error"
	FailureStore         FailureKind = "store_unavailable"
	FailureCancelled     FailureKind = "cancelled"
)

// Error is a turn-scoped failure carrying its classification.
type Error struct {
	Kind  FailureKind
	Stage State
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether this failure should stop a scripted run: collaborator
// failures are turn-local and the session keeps going, while a dead store or
// an external cancellation cannot be recovered by trying another turn.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case FailureStore, FailureCancelled:
		return true
	default:
		return false
	}
}

// KindOf extracts the failure classification from an error chain.
func KindOf(err error) (FailureKind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return "", false
}

// Turn is one completed (or failed) exchange. Once the orchestrator appends
// it to the session log it is never modified again.
type Turn struct {
	ID                 string      `json:"turn_id"`
	SessionID          string      `json:"session_id"`
	Timestamp          time.Time   `json:"timestamp"`
	State              State       `json:"state"`
	InputText          string      `json:"input_text"`
	ResponseText       string      `json:"response_text"`
	SpokenText         string      `json:"spoken_text,omitempty"`
	RetrievedMemoryIDs []string    `json:"retrieved_memory_ids,omitempty"`
	ExtractedRecordIDs []string    `json:"extracted_record_ids,omitempty"`
	SkippedRecords     int         `json:"skipped_records,omitempty"`
	AudioFormat        string      `json:"audio_format,omitempty"`
	Audio              []byte      `json:"-"`
	FailureKind        FailureKind `json:"failure_kind,omitempty"`
	FailureDetail      string      `json:"failure_detail,omitempty"`
	// NoOp marks a silence turn: no audio was captured, nothing ran.
	NoOp bool `json:"no_op,omitempty"`
}

// Completed reports whether the turn reached a terminal success state.
func (t Turn) Completed() bool { return t.State == StateComplete }

// Failed reports whether the turn ended in the Failed terminal state.
func (t Turn) Failed() bool { return t.State == StateFailed }
