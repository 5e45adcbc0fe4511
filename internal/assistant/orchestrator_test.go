package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/antoniostano/keepsake/internal/brain"
	"github.com/antoniostano/keepsake/internal/embed"
	"github.com/antoniostano/keepsake/internal/extract"
	"github.com/antoniostano/keepsake/internal/memory"
	"github.com/antoniostano/keepsake/internal/observability"
	"github.com/antoniostano/keepsake/internal/session"
	"github.com/antoniostano/keepsake/internal/turn"
	"github.com/antoniostano/keepsake/internal/voice"
)

// Each test registers its own Prometheus namespace; promauto panics on
// duplicate registration within one process.
var metricsSeq atomic.Int64

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("test_assistant_%d", metricsSeq.Add(1)))
}

// testBrain scripts chat completions while delegating extraction requests to
// the offline mock, which emits well-formed fact JSON.
type testBrain struct {
	mock      *brain.MockAdapter
	chatReply string
	chatErrs  int
	calls     int
}

func (b *testBrain) Complete(ctx context.Context, req brain.CompletionRequest) (brain.CompletionResponse, error) {
	if req.ForceJSON {
		return b.mock.Complete(ctx, req)
	}
	b.calls++
	if b.chatErrs > 0 {
		b.chatErrs--
		return brain.CompletionResponse{}, errors.New("brain unavailable")
	}
	if b.chatReply != "" {
		return brain.CompletionResponse{Text: b.chatReply}, nil
	}
	return b.mock.Complete(ctx, req)
}

// downBackend loads cleanly but refuses every write, like a database that
// went away after startup.
type downBackend struct{}

func (downBackend) LoadAll(context.Context) ([]memory.Record, error) { return nil, nil }
func (downBackend) Save(context.Context, memory.Record) error {
	return errors.New("connection refused")
}
func (downBackend) Delete(context.Context, []string) error { return errors.New("connection refused") }
func (downBackend) Close() error                           { return nil }

type failingSynth struct{}

func (failingSynth) Synthesize(context.Context, string) (voice.Audio, error) {
	return voice.Audio{}, errors.New("tts down")
}

type harness struct {
	orch     *Orchestrator
	store    *memory.Store
	sessions *session.Manager
	brain    *testBrain
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()

	store, err := memory.Open(context.Background(), memory.Options{
		Embedder: embed.NewLocalEmbedder(64),
	})
	if err != nil {
		t.Fatalf("memory.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tb := &testBrain{mock: brain.NewMockAdapter()}
	logger := log.New(io.Discard, "", 0)
	ex, err := extract.New(tb, logger)
	if err != nil {
		t.Fatalf("extract.New: %v", err)
	}

	sessions := session.NewManager(time.Minute)
	opts := Options{
		Store:       store,
		Extractor:   ex,
		Brain:       tb,
		Transcriber: voice.NewMockProvider(),
		Synthesizer: voice.NewMockProvider(),
		Sessions:    sessions,
		Metrics:     testMetrics(),
		Logger:      logger,
		RetryBase:   time.Millisecond,
		RetryCap:    2 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	orch, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{orch: orch, store: store, sessions: sessions, brain: tb}
}

func TestRunTurnEndToEndPersistsIntroduction(t *testing.T) {
	h := newHarness(t, nil)
	s := h.sessions.Create("u1", "")

	got, err := h.orch.RunTurn(context.Background(), s.ID, Input{Text: "Hi, my name is Alex"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !got.Completed() {
		t.Fatalf("turn state = %q, want complete", got.State)
	}
	if !strings.Contains(got.ResponseText, "Alex") {
		t.Fatalf("response %q does not acknowledge the name", got.ResponseText)
	}
	if len(got.ExtractedRecordIDs) != 1 {
		t.Fatalf("ExtractedRecordIDs = %v, want one record", got.ExtractedRecordIDs)
	}
	if got.AudioFormat != "mock_text_bytes" || len(got.Audio) == 0 {
		t.Fatalf("turn missing synthesized audio: format=%q len=%d", got.AudioFormat, len(got.Audio))
	}

	rec, ok := h.store.Get(got.ExtractedRecordIDs[0])
	if !ok {
		t.Fatal("persisted record not found in store")
	}
	if rec.Subject != "user.name" || rec.SourceTurnID != got.ID {
		t.Fatalf("record = %+v", rec)
	}

	sess, err := h.sessions.Get(s.ID)
	if err != nil {
		t.Fatalf("sessions.Get: %v", err)
	}
	if len(sess.Turns) != 1 || sess.ActiveTurnID != "" {
		t.Fatalf("session log = %+v active=%q", sess.Turns, sess.ActiveTurnID)
	}
}

func TestRunTurnSecondTurnUsesMemory(t *testing.T) {
	h := newHarness(t, nil)
	s := h.sessions.Create("u1", "")

	if _, err := h.orch.RunTurn(context.Background(), s.ID, Input{Text: "my name is Alex"}); err != nil {
		t.Fatalf("first RunTurn: %v", err)
	}

	got, err := h.orch.RunTurn(context.Background(), s.ID, Input{Text: "what should we talk about"})
	if err != nil {
		t.Fatalf("second RunTurn: %v", err)
	}
	if len(got.RetrievedMemoryIDs) == 0 {
		t.Fatal("second turn retrieved no memories")
	}
	// The offline brain echoes the first remembered line back.
	if !strings.Contains(got.ResponseText, "Alex") {
		t.Fatalf("response %q does not use the stored memory", got.ResponseText)
	}
}

func TestRunTurnSilenceIsNoOp(t *testing.T) {
	h := newHarness(t, nil)
	s := h.sessions.Create("u1", "")

	got, err := h.orch.RunTurn(context.Background(), s.ID, Input{})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !got.NoOp || !got.Completed() {
		t.Fatalf("turn = %+v, want completed no-op", got)
	}
	if h.store.Count() != 0 {
		t.Fatalf("store count = %d, want 0", h.store.Count())
	}
	if h.brain.calls != 0 {
		t.Fatalf("brain called %d times on silence, want 0", h.brain.calls)
	}
}

func TestRunTurnGenerationFailureAfterRetry(t *testing.T) {
	h := newHarness(t, func(o *Options) {})
	h.brain.chatErrs = 2
	s := h.sessions.Create("u1", "")

	got, err := h.orch.RunTurn(context.Background(), s.ID, Input{Text: "hello there"})
	if err == nil {
		t.Fatal("RunTurn returned nil error for failed generation")
	}
	kind, ok := turn.KindOf(err)
	if !ok || kind != turn.FailureGeneration {
		t.Fatalf("failure kind = %v (%v)", kind, err)
	}
	var te *turn.Error
	if errors.As(err, &te) && te.Fatal() {
		t.Fatal("generation failure must not be fatal")
	}
	if !got.Failed() || got.FailureKind != turn.FailureGeneration {
		t.Fatalf("turn = %+v, want failed generation", got)
	}
	if got.ResponseText != apologyText {
		t.Fatalf("response = %q, want apology", got.ResponseText)
	}
	if h.brain.calls != 2 {
		t.Fatalf("brain calls = %d, want retry-once (2)", h.brain.calls)
	}
	if h.store.Count() != 0 {
		t.Fatal("failed turn persisted memories")
	}

	// The failed turn released the in-flight slot.
	if err := h.sessions.BeginTurn(s.ID, "next"); err != nil {
		t.Fatalf("BeginTurn after failure: %v", err)
	}
}

func TestRunTurnGenerationRecoversOnRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.brain.chatErrs = 1
	h.brain.chatReply = "All good now."
	s := h.sessions.Create("u1", "")

	got, err := h.orch.RunTurn(context.Background(), s.ID, Input{Text: "hello there"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !got.Completed() || got.ResponseText != "All good now." {
		t.Fatalf("turn = %+v", got)
	}
	if h.brain.calls != 2 {
		t.Fatalf("brain calls = %d, want 2", h.brain.calls)
	}
}

func TestRunTurnSynthesisDegradesToText(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Synthesizer = failingSynth{}
	})
	s := h.sessions.Create("u1", "")

	got, err := h.orch.RunTurn(context.Background(), s.ID, Input{Text: "my name is Alex"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !got.Completed() {
		t.Fatalf("turn state = %q, want complete", got.State)
	}
	if len(got.Audio) != 0 {
		t.Fatal("degraded turn still carries audio")
	}
	if got.SpokenText == "" || got.ResponseText == "" {
		t.Fatalf("degraded turn lost its text: %+v", got)
	}
}

func TestRunTurnPersistSkipsWhenStoreUnavailable(t *testing.T) {
	var store *memory.Store
	h := newHarness(t, func(o *Options) {
		var err error
		store, err = memory.Open(context.Background(), memory.Options{
			Embedder: embed.NewLocalEmbedder(64),
			Backend:  downBackend{},
		})
		if err != nil {
			t.Fatalf("memory.Open: %v", err)
		}
		o.Store = store
	})
	t.Cleanup(func() { store.Close() })
	s := h.sessions.Create("u1", "")

	got, err := h.orch.RunTurn(context.Background(), s.ID, Input{Text: "my name is Alex"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if !got.Completed() {
		t.Fatalf("turn state = %q, want complete despite unavailable store", got.State)
	}
	if got.SkippedRecords != 1 {
		t.Fatalf("SkippedRecords = %d, want 1", got.SkippedRecords)
	}
	if len(got.ExtractedRecordIDs) != 0 {
		t.Fatalf("ExtractedRecordIDs = %v, want none", got.ExtractedRecordIDs)
	}
	if store.Count() != 0 {
		t.Fatalf("store count = %d, want 0", store.Count())
	}
	// The reply still reaches the user, spoken and all.
	if got.ResponseText == "" || len(got.Audio) == 0 {
		t.Fatalf("degraded turn lost its reply: %+v", got)
	}
}

func TestRunTurnErasureCommand(t *testing.T) {
	h := newHarness(t, nil)
	s := h.sessions.Create("u1", "")

	if _, err := h.orch.RunTurn(context.Background(), s.ID, Input{Text: "my name is Alex"}); err != nil {
		t.Fatalf("seed turn: %v", err)
	}
	if h.store.Count() != 1 {
		t.Fatalf("store count = %d after seed, want 1", h.store.Count())
	}

	got, err := h.orch.RunTurn(context.Background(), s.ID, Input{Text: "Forget everything about me."})
	if err != nil {
		t.Fatalf("erasure turn: %v", err)
	}
	if !got.Completed() {
		t.Fatalf("turn state = %q, want complete", got.State)
	}
	if !strings.Contains(got.ResponseText, "forgotten") {
		t.Fatalf("response = %q, want deletion acknowledgement", got.ResponseText)
	}
	if h.store.Count() != 0 {
		t.Fatalf("store count = %d after erasure, want 0", h.store.Count())
	}
	if len(got.ExtractedRecordIDs) != 0 {
		t.Fatal("erasure turn wrote new memories")
	}
}

func TestRunTurnCancelledContext(t *testing.T) {
	h := newHarness(t, nil)
	h.brain.chatErrs = 2
	s := h.sessions.Create("u1", "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := h.orch.RunTurn(ctx, s.ID, Input{Text: "hello"})
	if err == nil {
		t.Fatal("RunTurn with cancelled context returned nil error")
	}
	kind, ok := turn.KindOf(err)
	if !ok || kind != turn.FailureCancelled {
		t.Fatalf("failure kind = %v (%v), want cancelled", kind, err)
	}
	var te *turn.Error
	if !errors.As(err, &te) || !te.Fatal() {
		t.Fatal("cancellation must be fatal")
	}
	if !got.Failed() {
		t.Fatalf("turn state = %q, want failed", got.State)
	}
}

func TestRunTurnRejectsConcurrentTurn(t *testing.T) {
	h := newHarness(t, nil)
	s := h.sessions.Create("u1", "")
	if err := h.sessions.BeginTurn(s.ID, "in-flight"); err != nil {
		t.Fatalf("BeginTurn: %v", err)
	}

	_, err := h.orch.RunTurn(context.Background(), s.ID, Input{Text: "hello"})
	if !errors.Is(err, session.ErrTurnActive) {
		t.Fatalf("err = %v, want ErrTurnActive", err)
	}
}
