package assistant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/keepsake/internal/brain"
	"github.com/antoniostano/keepsake/internal/extract"
	"github.com/antoniostano/keepsake/internal/memory"
	"github.com/antoniostano/keepsake/internal/observability"
	"github.com/antoniostano/keepsake/internal/policy"
	"github.com/antoniostano/keepsake/internal/reliability"
	"github.com/antoniostano/keepsake/internal/session"
	"github.com/antoniostano/keepsake/internal/turn"
	"github.com/antoniostano/keepsake/internal/voice"
)

const apologyText = "I'm sorry, I ran into a problem on my end. Let's try that again in a moment."

// retryAttempts is per collaborator call: one try plus one retry.
const retryAttempts = 2

// Options wires an Orchestrator.
type Options struct {
	Store       *memory.Store
	Extractor   *extract.Extractor
	Brain       brain.Adapter
	Transcriber voice.Transcriber
	Synthesizer voice.Synthesizer
	Sessions    *session.Manager
	Metrics     *observability.Metrics
	Logger      *log.Logger

	RetrieveK           int
	MinConfidence       float64
	MemoryCharBudget    int
	MaxHistoryExchanges int

	RetryBase time.Duration
	RetryCap  time.Duration

	TranscribeTimeout time.Duration
	GenerateTimeout   time.Duration
	ExtractTimeout    time.Duration
	PersistTimeout    time.Duration
	SynthesizeTimeout time.Duration
}

// Input is one user utterance: recorded audio, or text when the client
// already has it (typed mode, tests).
type Input struct {
	Text     string
	AudioWAV []byte
}

// Orchestrator drives the per-turn pipeline: transcribe, retrieve, generate,
// extract, persist, synthesize. One turn runs at a time per session.
type Orchestrator struct {
	opts Options
	log  *log.Logger
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil || opts.Extractor == nil || opts.Brain == nil ||
		opts.Transcriber == nil || opts.Synthesizer == nil || opts.Sessions == nil {
		return nil, fmt.Errorf("orchestrator is missing a collaborator")
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics("keepsake")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.RetrieveK <= 0 {
		opts.RetrieveK = 5
	}
	if opts.MaxHistoryExchanges <= 0 {
		opts.MaxHistoryExchanges = 10
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 300 * time.Millisecond
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = 2 * time.Second
	}
	return &Orchestrator{opts: opts, log: opts.Logger}, nil
}

// RunTurn executes one full exchange. The returned turn is always appended to
// the session log, failed or not; the error is non-nil only when the turn
// ended in the Failed state and carries the failure classification.
func (o *Orchestrator) RunTurn(ctx context.Context, sessionID string, in Input) (turn.Turn, error) {
	t := turn.Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		State:     turn.StateAwaitingInput,
	}

	if err := o.opts.Sessions.BeginTurn(sessionID, t.ID); err != nil {
		return turn.Turn{}, fmt.Errorf("begin turn: %w", err)
	}

	turnStart := time.Now()
	t, err := o.runStages(ctx, t, in)
	o.opts.Metrics.ObserveTurnStage("turn_total", time.Since(turnStart))

	switch {
	case t.Failed():
		o.opts.Metrics.TurnsTotal.WithLabelValues("failed").Inc()
		o.opts.Metrics.TurnFailures.WithLabelValues(string(t.FailureKind)).Inc()
	case t.NoOp:
		o.opts.Metrics.TurnsTotal.WithLabelValues("no_op").Inc()
	default:
		o.opts.Metrics.TurnsTotal.WithLabelValues("complete").Inc()
	}

	if ferr := o.opts.Sessions.FinishTurn(sessionID, t); ferr != nil {
		o.log.Printf("turn %s: session log append failed: %v", t.ID, ferr)
	}
	return t, err
}

func (o *Orchestrator) runStages(ctx context.Context, t turn.Turn, in Input) (turn.Turn, error) {
	inputText, t, err := o.transcribe(ctx, t, in)
	if err != nil || t.NoOp {
		return t, err
	}
	t.InputText = inputText

	// A spoken deletion command bypasses the conversational pipeline.
	if intent, ok := policy.DetectErasure(inputText); ok {
		return o.runErasure(ctx, t, intent)
	}

	memories := o.retrieve(ctx, &t, inputText)

	t, err = o.generate(ctx, t, inputText, memories)
	if err != nil {
		return t, err
	}

	candidates := o.extractFacts(ctx, &t, inputText)

	t = o.persist(ctx, t, candidates)

	t = o.synthesize(ctx, t, t.ResponseText)
	t.State = turn.StateComplete
	return t, nil
}

// transcribe resolves the input to text. An empty capture is a silence turn:
// the pipeline does not run and nothing is persisted.
func (o *Orchestrator) transcribe(ctx context.Context, t turn.Turn, in Input) (string, turn.Turn, error) {
	if len(in.AudioWAV) == 0 {
		text := strings.TrimSpace(in.Text)
		if text == "" {
			t.State = turn.StateComplete
			t.NoOp = true
		}
		return text, t, nil
	}

	t.State = turn.StateTranscribing
	start := time.Now()
	var text string
	err := reliability.Retry(ctx, retryAttempts, o.opts.RetryBase, o.opts.RetryCap, func() error {
		callCtx, cancel := o.stageContext(ctx, o.opts.TranscribeTimeout)
		defer cancel()
		var terr error
		text, terr = o.opts.Transcriber.Transcribe(callCtx, in.AudioWAV)
		return terr
	})
	o.opts.Metrics.ObserveTurnStage("transcribe", time.Since(start))
	if err != nil {
		kind := classifyKind(ctx, turn.FailureTranscription)
		return "", o.fail(ctx, t, kind, err), failureOf(t.State, kind, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		t.State = turn.StateComplete
		t.NoOp = true
	}
	return text, t, nil
}

func (o *Orchestrator) runErasure(ctx context.Context, t turn.Turn, intent policy.ErasureIntent) (turn.Turn, error) {
	t.State = turn.StatePersisting
	deleted, err := o.opts.Store.Forget(ctx, intent.SubjectPrefix)
	if err != nil {
		kind := classifyKind(ctx, turn.FailureStore)
		return o.fail(ctx, t, kind, err), failureOf(t.State, kind, err)
	}
	o.opts.Metrics.MemoryEvents.WithLabelValues("forgotten").Add(float64(deleted))
	o.opts.Metrics.MemoryRecords.Set(float64(o.opts.Store.Count()))
	o.log.Printf("turn %s: erased %d memories under %q", t.ID, deleted, intent.SubjectPrefix)

	t.ResponseText = intent.Acknowledgement
	t = o.synthesize(ctx, t, t.ResponseText)
	t.State = turn.StateComplete
	return t, nil
}

// retrieve fetches ranked memories. Retrieval failure degrades the turn to an
// uninformed reply instead of failing it.
func (o *Orchestrator) retrieve(ctx context.Context, t *turn.Turn, inputText string) []memory.Record {
	t.State = turn.StateRetrieving
	start := time.Now()
	recs, err := o.opts.Store.Retrieve(ctx, inputText, o.opts.RetrieveK, o.opts.MinConfidence)
	o.opts.Metrics.ObserveTurnStage("retrieve", time.Since(start))
	if err != nil {
		o.log.Printf("turn %s: retrieval degraded: %v", t.ID, err)
		o.opts.Metrics.ObserveIndicator("retrieval_degraded")
		return nil
	}
	for _, r := range recs {
		t.RetrievedMemoryIDs = append(t.RetrievedMemoryIDs, r.ID)
	}
	return recs
}

func (o *Orchestrator) generate(ctx context.Context, t turn.Turn, inputText string, memories []memory.Record) (turn.Turn, error) {
	t.State = turn.StateGenerating
	req := brain.CompletionRequest{
		SessionID:    t.SessionID,
		TurnID:       t.ID,
		SystemPrompt: BuildSystemPrompt(memories, o.opts.MemoryCharBudget),
		InputText:    inputText,
		History:      o.opts.Sessions.History(t.SessionID, o.opts.MaxHistoryExchanges),
	}

	start := time.Now()
	var resp brain.CompletionResponse
	err := reliability.Retry(ctx, retryAttempts, o.opts.RetryBase, o.opts.RetryCap, func() error {
		callCtx, cancel := o.stageContext(ctx, o.opts.GenerateTimeout)
		defer cancel()
		var gerr error
		resp, gerr = o.opts.Brain.Complete(callCtx, req)
		return gerr
	})
	o.opts.Metrics.ObserveTurnStage("generate", time.Since(start))
	if err != nil {
		o.opts.Metrics.ProviderErrors.WithLabelValues("brain", "completion").Inc()
		kind := classifyKind(ctx, turn.FailureGeneration)
		return o.fail(ctx, t, kind, err), failureOf(t.State, kind, err)
	}

	t.ResponseText = strings.TrimSpace(resp.Text)
	return t, nil
}

// extractFacts asks for memory candidates. Extraction failure never fails the
// turn; the exchange just leaves no memories behind.
func (o *Orchestrator) extractFacts(ctx context.Context, t *turn.Turn, inputText string) []memory.Candidate {
	t.State = turn.StateExtracting
	start := time.Now()
	callCtx, cancel := o.stageContext(ctx, o.opts.ExtractTimeout)
	defer cancel()
	candidates, err := o.opts.Extractor.Extract(callCtx, t.SessionID, t.ID, inputText, t.ResponseText)
	o.opts.Metrics.ObserveTurnStage("extract", time.Since(start))
	if err != nil {
		o.log.Printf("turn %s: extraction skipped: %v", t.ID, err)
		o.opts.Metrics.ObserveIndicator("extraction_skipped")
		return nil
	}
	return candidates
}

// persist writes candidates one by one, best effort: a candidate the store
// cannot take is skipped and counted, the remaining candidates still run and
// the turn completes.
func (o *Orchestrator) persist(ctx context.Context, t turn.Turn, candidates []memory.Candidate) turn.Turn {
	t.State = turn.StatePersisting
	if len(candidates) == 0 {
		return t
	}

	start := time.Now()
	defer func() {
		o.opts.Metrics.ObserveTurnStage("persist", time.Since(start))
		o.opts.Metrics.MemoryRecords.Set(float64(o.opts.Store.Count()))
	}()

	for _, cand := range candidates {
		callCtx, cancel := o.stageContext(ctx, o.opts.PersistTimeout)
		rec, err := o.opts.Store.Upsert(callCtx, cand)
		cancel()
		if err != nil {
			t.SkippedRecords++
			if errors.Is(err, memory.ErrStoreUnavailable) {
				o.log.Printf("turn %s: store unavailable, skipped candidate %q: %v", t.ID, cand.Subject, err)
				o.opts.Metrics.ObserveIndicator("persist_degraded")
			} else {
				o.log.Printf("turn %s: skipped candidate %q: %v", t.ID, cand.Subject, err)
			}
			o.opts.Metrics.MemoryEvents.WithLabelValues("skipped").Inc()
			continue
		}
		t.ExtractedRecordIDs = append(t.ExtractedRecordIDs, rec.ID)
		if rec.CreatedAt.Equal(rec.UpdatedAt) {
			o.opts.Metrics.MemoryEvents.WithLabelValues("inserted").Inc()
		} else {
			o.opts.Metrics.MemoryEvents.WithLabelValues("merged").Inc()
		}
	}
	return t
}

// synthesize renders the reply to audio. Failure degrades the turn to
// text-only rather than failing it.
func (o *Orchestrator) synthesize(ctx context.Context, t turn.Turn, responseText string) turn.Turn {
	t.State = turn.StateSynthesizing
	spoken := voice.SanitizeSpeechText(responseText)
	if spoken == "" {
		return t
	}
	t.SpokenText = spoken

	start := time.Now()
	callCtx, cancel := o.stageContext(ctx, o.opts.SynthesizeTimeout)
	defer cancel()
	audio, err := o.opts.Synthesizer.Synthesize(callCtx, spoken)
	o.opts.Metrics.ObserveTurnStage("synthesize", time.Since(start))
	if err != nil {
		o.log.Printf("turn %s: synthesis degraded to text: %v", t.ID, err)
		o.opts.Metrics.ProviderErrors.WithLabelValues("tts", "synthesize").Inc()
		o.opts.Metrics.ObserveIndicator("synthesis_degraded")
		return t
	}
	t.Audio = audio.Data
	t.AudioFormat = audio.Format
	return t
}

// fail finalizes a failed turn: the user hears a short apology when synthesis
// still works, and the turn records what went wrong.
func (o *Orchestrator) fail(ctx context.Context, t turn.Turn, kind turn.FailureKind, err error) turn.Turn {
	stage := t.State
	t.ResponseText = apologyText
	if kind != turn.FailureSynthesis && ctx.Err() == nil {
		t = o.synthesize(ctx, t, apologyText)
	}
	t.State = turn.StateFailed
	t.FailureKind = kind
	t.FailureDetail = err.Error()
	o.log.Printf("turn %s: failed at %s: %v", t.ID, stage, err)
	return t
}

func (o *Orchestrator) stageContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// classifyKind maps a stage failure to cancellation when the turn's own
// context was cancelled from outside.
func classifyKind(ctx context.Context, kind turn.FailureKind) turn.FailureKind {
	if ctx.Err() != nil {
		return turn.FailureCancelled
	}
	return kind
}

func failureOf(stage turn.State, kind turn.FailureKind, err error) error {
	return &turn.Error{Kind: kind, Stage: stage, Err: err}
}
