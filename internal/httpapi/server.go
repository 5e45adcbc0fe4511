package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/keepsake/internal/assistant"
	"github.com/antoniostano/keepsake/internal/config"
	"github.com/antoniostano/keepsake/internal/memory"
	"github.com/antoniostano/keepsake/internal/observability"
	"github.com/antoniostano/keepsake/internal/protocol"
	"github.com/antoniostano/keepsake/internal/session"
	"github.com/antoniostano/keepsake/internal/turn"
)

type Orchestrator interface {
	RunTurn(ctx context.Context, sessionID string, in assistant.Input) (turn.Turn, error)
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	store        *memory.Store
	metrics      *observability.Metrics
	upgrader     websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, orchestrator Orchestrator, store *memory.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		store:        store,
		metrics:      metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Default: only allow browser websocket connections from the
				// same origin, so other websites cannot drive a session if the
				// daemon is ever exposed beyond localhost.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/session", s.handleCreateSession)
	r.Post("/v1/session/{id}/end", s.handleEndSession)
	r.Get("/v1/session/ws", s.handleSessionWS)

	r.Get("/v1/memory/search", s.handleMemorySearch)
	r.Delete("/v1/memory", s.handleMemoryForget)

	r.Get("/v1/perf/turns", s.handlePerfTurns)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ready",
		"memory_records": s.store.Count(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		req.VoiceID = s.cfg.SpeechVoice
	}

	sess := s.sessions.Create(req.UserID, req.VoiceID)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		VoiceID:         sess.VoiceID,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		respondError(w, http.StatusBadRequest, "missing_query", "query parameter q is required")
		return
	}
	k := s.cfg.RetrieveK
	if raw := strings.TrimSpace(r.URL.Query().Get("k")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_k", "k must be a non-negative integer")
			return
		}
		k = n
	}
	minConfidence := s.cfg.MinConfidence
	if raw := strings.TrimSpace(r.URL.Query().Get("min_confidence")); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 || f > 1 {
			respondError(w, http.StatusBadRequest, "invalid_min_confidence", "min_confidence must be in [0,1]")
			return
		}
		minConfidence = f
	}

	recs, err := s.store.Retrieve(r.Context(), query, k, minConfidence)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "retrieval_failed", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func (s *Server) handleMemoryForget(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSpace(r.URL.Query().Get("subject_prefix"))
	if prefix == "" {
		respondError(w, http.StatusBadRequest, "missing_subject_prefix", "query parameter subject_prefix is required")
		return
	}

	deleted, err := s.store.Forget(r.Context(), prefix)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "forget_failed", err.Error())
		return
	}
	s.metrics.MemoryEvents.WithLabelValues("forgotten").Add(float64(deleted))
	s.metrics.MemoryRecords.Set(float64(s.store.Count()))
	respondJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (s *Server) handlePerfTurns(w http.ResponseWriter, r *http.Request) {
	if strings.EqualFold(r.URL.Query().Get("reset"), "true") {
		s.metrics.ResetTurnStages()
	}
	respondJSON(w, http.StatusOK, s.metrics.TurnStagesSnapshot())
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.orchestrator == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}
	if _, err := s.sessions.Get(sessionID); err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 16)
	outbound := make(chan any, 16)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		s.runTurnLoop(ctx, sessionID, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(8 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if the outbound
				// queue is saturated.
			}
			continue
		}

		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
}

// runTurnLoop serializes turns for one connection: each inbound utterance
// runs through the full pipeline before the next is read.
func (s *Server) runTurnLoop(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			in, err := inputOf(msg)
			if err != nil {
				s.send(ctx, outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "invalid_audio",
					Detail:    err.Error(),
				})
				continue
			}

			t, runErr := s.orchestrator.RunTurn(ctx, sessionID, in)
			if runErr != nil && t.ID == "" {
				s.send(ctx, outbound, protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "turn_rejected",
					Detail:    runErr.Error(),
				})
				continue
			}

			if t.Failed() {
				s.send(ctx, outbound, protocol.TurnFailed{
					Type:      protocol.TypeTurnFailed,
					SessionID: sessionID,
					TurnID:    t.ID,
					Kind:      string(t.FailureKind),
					Detail:    t.FailureDetail,
					Spoken:    t.ResponseText,
				})
				continue
			}

			s.send(ctx, outbound, protocol.AssistantReply{
				Type:        protocol.TypeAssistantReply,
				SessionID:   sessionID,
				TurnID:      t.ID,
				InputText:   t.InputText,
				Text:        t.ResponseText,
				AudioBase64: base64.StdEncoding.EncodeToString(t.Audio),
				AudioFormat: t.AudioFormat,
				NoOp:        t.NoOp,
			})
			if len(t.ExtractedRecordIDs) > 0 || t.SkippedRecords > 0 {
				s.send(ctx, outbound, protocol.MemoryWritten{
					Type:      protocol.TypeMemoryWritten,
					SessionID: sessionID,
					TurnID:    t.ID,
					RecordIDs: t.ExtractedRecordIDs,
					Skipped:   t.SkippedRecords,
				})
			}
		}
	}
}

func (s *Server) send(ctx context.Context, outbound chan<- any, msg any) {
	select {
	case <-ctx.Done():
	case outbound <- msg:
	}
}

func inputOf(msg any) (assistant.Input, error) {
	switch m := msg.(type) {
	case protocol.UserText:
		return assistant.Input{Text: m.Text}, nil
	case protocol.UserAudio:
		wav, err := base64.StdEncoding.DecodeString(m.WAVBase64)
		if err != nil {
			return assistant.Input{}, errors.New("wav_base64 is not valid base64")
		}
		return assistant.Input{AudioWAV: wav}, nil
	default:
		return assistant.Input{}, errors.New("unsupported message")
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
