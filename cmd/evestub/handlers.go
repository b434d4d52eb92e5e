package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/walle-ai/walle/internal/api"
	"github.com/walle-ai/walle/internal/domain"
	"github.com/walle-ai/walle/internal/protocol"
)

// stubHandler serves a canned Eve API surface from memory: enough for
// the client to pair, list and mutate jobs, run a full sync, and stream
// one scripted chat turn.
type stubHandler struct {
	logger *slog.Logger

	mu       sync.Mutex
	token    string
	jobs     map[int64]*domain.Job
	resumes  map[int64]*domain.Resume
	tailored map[int64][]*domain.TailoredResume
	nextID   int64
}

func newStubHandler(token string, logger *slog.Logger) *stubHandler {
	h := &stubHandler{
		logger:   logger,
		token:    token,
		jobs:     make(map[int64]*domain.Job),
		resumes:  make(map[int64]*domain.Resume),
		tailored: make(map[int64][]*domain.TailoredResume),
		nextID:   100,
	}
	h.seed()
	return h
}

func (h *stubHandler) seed() {
	now := time.Now()
	score := 87
	h.jobs[1] = &domain.Job{
		ID: 1, Title: "Senior Backend Engineer", Company: "Acme Corp",
		Location: "Berlin", URL: "https://jobs.example.com/1",
		Status: domain.JobStatusInbox, MatchScore: &score,
		Source: domain.JobSourceLinkedIn, CreatedAt: now,
	}
	h.jobs[2] = &domain.Job{
		ID: 2, Title: "Platform Engineer", Company: "Globex",
		Location: "Remote", URL: "https://jobs.example.com/2",
		Status: domain.JobStatusApplied, Starred: true,
		Source: domain.JobSourceIndeed, CreatedAt: now,
	}
	h.resumes[1] = &domain.Resume{
		ID: 1, Name: "base resume", Content: "# Jane Doe\nBackend engineer.",
		IsDefault: true, ParseStatus: domain.ParseStatusSuccess,
		CreatedAt: now, UpdatedAt: now,
	}
}

func (h *stubHandler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Get("/auth/verify", h.requireAuth(h.handleVerify))
	r.Post("/auth/pair", h.handlePair)

	r.Get("/jobs", h.requireAuth(h.handleListJobs))
	r.Get("/jobs/sync", h.requireAuth(h.handleSyncJobs))
	r.Patch("/jobs/{id}", h.requireAuth(h.handlePatchJob))

	r.Get("/resumes", h.requireAuth(h.handleListResumes))
	r.Post("/resumes", h.requireAuth(h.handleCreateResume))
	r.Put("/resumes/{id}", h.requireAuth(h.handleUpdateResume))

	r.Post("/tailor/{jobId}", h.requireAuth(h.handleTailor))
	r.Get("/tailor/{jobId}", h.requireAuth(h.handleListTailored))

	r.Post("/chat", h.requireAuth(h.handleChat))
}

func (h *stubHandler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		token := h.token
		h.mu.Unlock()
		if r.Header.Get(api.AuthHeader) != token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next(w, r)
	}
}

func (h *stubHandler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.Health{Status: "ok", Version: "evestub"})
}

func (h *stubHandler) handleVerify(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

func (h *stubHandler) handlePair(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OldToken string `json:"oldToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.token != "" && body.OldToken != h.token {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "already paired"})
		return
	}
	h.token = "stub-" + uuid.NewString()
	h.logger.Info("client paired", "token", h.token)
	writeJSON(w, http.StatusOK, map[string]string{"token": h.token})
}

func (h *stubHandler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")

	h.mu.Lock()
	var jobs []*domain.Job
	for _, job := range h.jobs {
		if statusFilter != "" && string(job.Status) != statusFilter {
			continue
		}
		copied := *job
		jobs = append(jobs, &copied)
	}
	h.mu.Unlock()

	// Map iteration order is random; the client keys on ids.
	writeJSON(w, http.StatusOK, api.JobList{Jobs: jobs, Total: len(jobs)})
}

func (h *stubHandler) handlePatchJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}
	var patch api.JobPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	job, ok := h.jobs[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	if patch.Status != nil {
		job.Status = *patch.Status
		if *patch.Status == domain.JobStatusApplied && job.AppliedAt == nil {
			now := time.Now()
			job.AppliedAt = &now
		}
	}
	if patch.Starred != nil {
		job.Starred = *patch.Starred
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *stubHandler) handleSyncJobs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	h.mu.Lock()
	total := len(h.jobs)
	h.mu.Unlock()

	for synced := 1; synced <= total; synced++ {
		writeSSEData(w, api.SyncProgress{Status: "processing", Synced: synced, Total: total})
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
	writeSSEData(w, api.SyncProgress{Status: "complete", Synced: total, Total: total})
	flusher.Flush()
}

func (h *stubHandler) handleListResumes(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	var resumes []*domain.Resume
	for _, resume := range h.resumes {
		copied := *resume
		resumes = append(resumes, &copied)
	}
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"resumes": resumes})
}

func (h *stubHandler) handleCreateResume(w http.ResponseWriter, r *http.Request) {
	var request api.CreateResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	now := time.Now()
	resume := &domain.Resume{
		ID: h.nextID, Name: request.Name, Content: request.Content,
		ParseStatus: domain.ParseStatusSuccess, CreatedAt: now, UpdatedAt: now,
	}
	h.resumes[resume.ID] = resume
	writeJSON(w, http.StatusOK, resume)
}

func (h *stubHandler) handleUpdateResume(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid resume id"})
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	resume, ok := h.resumes[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "resume not found"})
		return
	}
	resume.Content = body.Content
	resume.UpdatedAt = time.Now()
	writeJSON(w, http.StatusOK, resume)
}

func (h *stubHandler) handleTailor(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "jobId"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}
	var request api.TailorRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.jobs[jobID]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	versions := h.tailored[jobID]
	for _, version := range versions {
		version.IsNew = false
	}
	h.nextID++
	tailored := &domain.TailoredResume{
		ID: h.nextID, JobID: jobID, ResumeID: request.ResumeID,
		Content:     "# Tailored resume\nEmphasize backend experience.",
		Suggestions: []string{"mention the Acme stack", "lead with Go experience"},
		Version:     len(versions) + 1,
		IsNew:       true,
		CreatedAt:   time.Now(),
	}
	h.tailored[jobID] = append(versions, tailored)
	writeJSON(w, http.StatusOK, tailored)
}

func (h *stubHandler) handleListTailored(w http.ResponseWriter, r *http.Request) {
	jobID, err := strconv.ParseInt(chi.URLParam(r, "jobId"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid job id"})
		return
	}
	h.mu.Lock()
	versions := append([]*domain.TailoredResume(nil), h.tailored[jobID]...)
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// handleChat streams one scripted assistant turn: a reasoning block, a
// tool call, then text echoing the user's last message.
func (h *stubHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	var request api.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	lastUser := ""
	for _, message := range request.Messages {
		if message.Role == "user" {
			lastUser = message.Content
		}
	}

	w.Header().Set("x-vercel-ai-ui-message-stream", "v1")
	flusher, ok := beginSSE(w)
	if !ok {
		return
	}

	eventID := 0
	emit := func(event protocol.Event) bool {
		eventID++
		event.ID = strconv.Itoa(eventID)
		writeSSEData(w, event)
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return false
		case <-time.After(50 * time.Millisecond):
			return true
		}
	}

	script := []protocol.Event{
		{Kind: protocol.KindMessageStart},
		{Kind: protocol.KindReasoningStart, BlockID: "r1"},
		{Kind: protocol.KindReasoningDelta, BlockID: "r1", Delta: "Looking at the cached job list"},
		{Kind: protocol.KindReasoningEnd, BlockID: "r1", Content: "Looking at the cached job list first."},
		{Kind: protocol.KindToolCallStart, BlockID: "c1", Name: "search_jobs",
			Arguments: json.RawMessage(`{"query":"backend"}`)},
		{Kind: protocol.KindToolCallDelta, BlockID: "c1", Status: protocol.ToolRunning},
		{Kind: protocol.KindToolCallResult, BlockID: "c1", Content: "2 jobs matched"},
		{Kind: protocol.KindTextStart, BlockID: "t1"},
	}
	for _, event := range script {
		if !emit(event) {
			return
		}
	}

	reply := fmt.Sprintf("You said: %q. I found 2 matching jobs in your inbox.", lastUser)
	for i := 0; i < len(reply); i += 16 {
		end := min(i+16, len(reply))
		if !emit(protocol.Event{Kind: protocol.KindTextDelta, BlockID: "t1", Delta: reply[i:end]}) {
			return
		}
	}

	emit(protocol.Event{Kind: protocol.KindTextEnd, BlockID: "t1", Content: reply})
	emit(protocol.Event{Kind: protocol.KindMessageEnd})
}

func beginSSE(w http.ResponseWriter) (http.Flusher, bool) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return nil, false
	}
	return flusher, true
}

func writeSSEData(w http.ResponseWriter, payload any) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to encode SSE payload", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", encoded)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
