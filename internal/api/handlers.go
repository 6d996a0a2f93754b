package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"gwi.com/article-assistant/internal/assistant"
	"gwi.com/article-assistant/internal/auth"
	"gwi.com/article-assistant/internal/session"
	"gwi.com/article-assistant/internal/stream"
	"gwi.com/article-assistant/internal/tasks"
	"gwi.com/article-assistant/internal/telemetry"
)

type HandlerConfig struct {
	AuthSecret     string
	AuthPassword   string
	TokenTTL       time.Duration
	RateLimitRPS   int
	RateLimitBurst int
	Reporter       telemetry.Reporter
}

type APIHandler struct {
	sessions  *session.Manager
	catalog   *tasks.Catalog
	assistant assistant.Assistant
	reporter  telemetry.Reporter
	limiter   *limiterPool

	authSecret   string
	authPassword string
	tokenTTL     time.Duration
}

func NewAPIHandler(sessions *session.Manager, catalog *tasks.Catalog, asst assistant.Assistant, cfg HandlerConfig) *APIHandler {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.Reporter == nil {
		cfg.Reporter = telemetry.Nop{}
	}
	return &APIHandler{
		sessions:     sessions,
		catalog:      catalog,
		assistant:    asst,
		reporter:     cfg.Reporter,
		limiter:      newLimiterPool(cfg.RateLimitRPS, cfg.RateLimitBurst),
		authSecret:   cfg.AuthSecret,
		authPassword: cfg.AuthPassword,
		tokenTTL:     cfg.TokenTTL,
	}
}

// Close stops background work owned by the handler.
func (h *APIHandler) Close() {
	h.limiter.Shutdown()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeSessionError maps manager and stream failures onto HTTP answers.
// action names the operation in the log line.
func writeSessionError(w http.ResponseWriter, action, id string, err error) {
	var se *stream.Error
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, session.ErrEmptyPrompt):
		writeError(w, http.StatusBadRequest, "Prompt cannot be empty")
	case errors.Is(err, session.ErrUnknownTask):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrBusy):
		writeError(w, http.StatusConflict, "A response is already being generated for this session")
	case errors.Is(err, session.ErrNoDraft):
		writeError(w, http.StatusConflict, "Generate a draft first")
	case errors.Is(err, session.ErrNoAnalysis):
		writeError(w, http.StatusConflict, "Analyze the draft first")
	case errors.Is(err, session.ErrEmptyResponse):
		writeError(w, http.StatusBadGateway, "The assistant returned an empty response")
	case errors.As(err, &se):
		log.Printf("Error %s for session %s: %v", action, id, err)
		status := http.StatusBadGateway
		if se.Kind == stream.KindTimeout {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, se.Message)
	case errors.Is(err, context.Canceled):
		log.Printf("Client went away while %s for session %s", action, id)
	default:
		log.Printf("Error %s for session %s: %v", action, id, err)
		writeError(w, http.StatusInternalServerError, "Failed while "+action)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}

type LoginRequest struct {
	Password string `json:"password"`
}

func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if h.authSecret == "" {
		writeError(w, http.StatusBadRequest, "Authentication is disabled")
		return
	}

	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if !auth.CheckPassword(h.authPassword, req.Password) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := auth.GenerateJWT(h.authSecret, "editor", h.tokenTTL)
	if err != nil {
		log.Printf("Error generating JWT: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type TasksResponse struct {
	Tasks         []tasks.Task         `json:"tasks"`
	AnalysisTypes []tasks.AnalysisType `json:"analysis_types"`
}

func (h *APIHandler) ListTasksHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, TasksResponse{Tasks: h.catalog.Tasks, AnalysisTypes: h.catalog.AnalysisTypes})
}

type CreateSessionRequest struct {
	Task string `json:"task,omitempty"`
}

func (h *APIHandler) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	s, err := h.sessions.Create(r.Context(), req.Task)
	if err != nil {
		writeSessionError(w, "creating session", "-", err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionView(s, false))
}

func (h *APIHandler) ListSessionsHandler(w http.ResponseWriter, r *http.Request) {
	all := h.sessions.List()
	out := make([]SessionSummary, 0, len(all))
	for _, s := range all {
		out = append(out, newSessionSummary(s, h.sessions.Streaming(s.ID)))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	s, err := h.sessions.Get(id)
	if err != nil {
		writeSessionError(w, "loading session", id, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(s, h.sessions.Streaming(id)))
}

func (h *APIHandler) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if err := h.sessions.Delete(r.Context(), id); err != nil {
		writeSessionError(w, "deleting session", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type PromptRequest struct {
	Content                string `json:"content"`
	IncludeSpiritSoulDraft bool   `json:"include_spirit_soul_draft"`
}

func (h *APIHandler) PostPromptHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	s, err := h.sessions.SubmitPrompt(r.Context(), id, req.Content, req.IncludeSpiritSoulDraft)
	if err != nil {
		writeSessionError(w, "generating draft", id, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(s, false))
}

type AnalysisRequest struct {
	AnalysisType string `json:"analysis_type,omitempty"`
	Prompt       string `json:"prompt,omitempty"`
}

func (h *APIHandler) PostAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	var req AnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	prompt := strings.TrimSpace(req.Prompt)
	if req.AnalysisType != "" {
		at, ok := h.catalog.Analysis(req.AnalysisType)
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown analysis type: "+req.AnalysisType)
			return
		}
		prompt = at.Prompt
	}

	s, err := h.sessions.Analyze(r.Context(), id, prompt)
	if err != nil {
		writeSessionError(w, "analyzing draft", id, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(s, false))
}

func (h *APIHandler) ApplyAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	s, err := h.sessions.ApplyAnalysis(r.Context(), id)
	if err != nil {
		writeSessionError(w, "applying analysis", id, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionView(s, false))
}

// StagingHandler returns the response still being generated, or 204 when the
// session is idle.
func (h *APIHandler) StagingHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if _, err := h.sessions.Get(id); err != nil {
		writeSessionError(w, "loading staging", id, err)
		return
	}
	st, ok := h.sessions.Staging(id)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, newStagingView(st))
}
