package protocol

import (
	"errors"
	"testing"
)

func TestParseClientMessageUserText(t *testing.T) {
	raw := []byte(`{"type":"user_text","session_id":"s1","text":"hello"}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage: %v", err)
	}
	ut, ok := msg.(UserText)
	if !ok {
		t.Fatalf("message type = %T, want UserText", msg)
	}
	if ut.SessionID != "s1" || ut.Text != "hello" {
		t.Fatalf("parsed = %+v", ut)
	}
}

func TestParseClientMessageUserAudio(t *testing.T) {
	raw := []byte(`{"type":"user_audio","session_id":"s1","wav_base64":"UklGRg==","sample_rate":16000}`)
	msg, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage: %v", err)
	}
	ua, ok := msg.(UserAudio)
	if !ok {
		t.Fatalf("message type = %T, want UserAudio", msg)
	}
	if ua.SampleRate != 16000 || ua.WAVBase64 == "" {
		t.Fatalf("parsed = %+v", ua)
	}
}

func TestParseClientMessageRejectsInvalid(t *testing.T) {
	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"assistant_reply","session_id":"s1"}`),
		[]byte(`{"type":"user_text"}`),
		[]byte(`{"type":"user_audio","session_id":"s1"}`),
	}
	for _, raw := range cases {
		if _, err := ParseClientMessage(raw); err == nil {
			t.Fatalf("ParseClientMessage(%s) = nil error", raw)
		}
	}
}

func TestParseClientMessageUnsupportedType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"assistant_reply","session_id":"s1"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("err = %v, want ErrUnsupportedType", err)
	}
}
