// Package gateway exposes the miner over HTTP: the legacy single-task
// endpoints, the unified component endpoints, and playbook/conversation
// inspection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openminer/minerd/internal/components"
	"github.com/openminer/minerd/internal/conversation"
	"github.com/openminer/minerd/internal/executor"
	"github.com/openminer/minerd/internal/playbook"
	"github.com/openminer/minerd/internal/provider"
)

// Version is the API version reported by status endpoints.
const Version = "2.0.0"

// Server holds the wired services behind the HTTP surface.
type Server struct {
	minerName  string
	authToken  string
	modelName  string
	provider   provider.LLMProvider
	executor   *executor.Executor
	components *components.Service
	store      *playbook.Store
	convs      *conversation.Store
	extractor  *playbook.Extractor
	applier    *playbook.Applier

	httpServer *http.Server
}

// Options configures a Server.
type Options struct {
	MinerName string
	AuthToken string
	ModelName string
}

// NewServer wires the HTTP surface over the given services.
func NewServer(opts Options, p provider.LLMProvider, exec *executor.Executor, comps *components.Service,
	store *playbook.Store, convs *conversation.Store, extractor *playbook.Extractor, applier *playbook.Applier) *Server {
	if opts.MinerName == "" {
		opts.MinerName = "minerd"
	}
	if opts.ModelName == "" {
		opts.ModelName = p.DefaultModel()
	}
	return &Server{
		minerName:  opts.MinerName,
		authToken:  opts.AuthToken,
		modelName:  opts.ModelName,
		provider:   p,
		executor:   exec,
		components: comps,
		store:      store,
		convs:      convs,
		extractor:  extractor,
		applier:    applier,
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /capabilities", s.handleCapabilities)

	mux.HandleFunc("POST /complete", s.auth(s.handleComplete))
	mux.HandleFunc("POST /feedback", s.auth(s.handleFeedback))
	mux.HandleFunc("POST /refine", s.auth(s.handleRefine))
	mux.HandleFunc("POST /human_feedback", s.auth(s.handleHumanFeedback))

	mux.HandleFunc("POST /components/complete", s.auth(s.component(s.components.Complete)))
	mux.HandleFunc("POST /components/refine", s.auth(s.component(s.components.Refine)))
	mux.HandleFunc("POST /components/feedback", s.auth(s.component(s.components.Feedback)))
	mux.HandleFunc("POST /components/human_feedback", s.auth(s.component(s.components.HumanFeedback)))
	mux.HandleFunc("POST /components/summary", s.auth(s.component(s.components.Summary)))
	mux.HandleFunc("POST /components/aggregate", s.auth(s.component(s.components.Aggregate)))

	mux.HandleFunc("GET /playbook/{cid}", s.auth(s.handlePlaybook))
	mux.HandleFunc("GET /playbook/{cid}/context", s.auth(s.handlePlaybookContext))
	mux.HandleFunc("GET /playbook/{cid}/operations", s.auth(s.handlePlaybookOperations))

	mux.HandleFunc("GET /conversations", s.auth(s.handleConversations))
	mux.HandleFunc("GET /conversations/{cid}", s.auth(s.handleConversationDetail))
	mux.HandleFunc("DELETE /conversations/{cid}", s.auth(s.handleConversationDelete))

	return s.logRequests(mux)
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-Id", requestID)
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request", "method", r.Method, "path", r.URL.Path, "request_id", requestID, "duration", time.Since(start).Truncate(time.Millisecond))
	})
}

// auth enforces the bearer token when one is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" {
			token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if token != s.authToken {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":            s.minerName,
		"version":         Version,
		"status":          "running",
		"playbook_driven": true,
		"endpoints": map[string]string{
			"complete":       "/complete - Process tasks with playbook context",
			"feedback":       "/feedback - Analyze outputs and provide feedback",
			"refine":         "/refine - Improve outputs based on feedback",
			"human_feedback": "/human_feedback - Store user preferences in playbook",
			"components":     "/components/{name} - Unified chainable component interface",
			"playbook":       "/playbook/{cid} - Inspect stored knowledge",
			"capabilities":   "/capabilities - Get miner capabilities",
			"health":         "/health - Health check",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"model":  s.modelName,
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"miner_name":           s.minerName,
		"model":                s.modelName,
		"playbook_driven":      true,
		"max_playbook_entries": s.store.MaxEntries(),
		"supported_functions": []string{
			"complete", "feedback", "refine", "human_feedback", "summary", "aggregate",
		},
		"features": map[string]bool{
			"playbook_preference_management": true,
			"human_feedback_learning":        true,
			"recursive_task_execution":       true,
			"privacy_friendly":               true,
		},
	})
}

type completeRequest struct {
	CID   string `json:"cid"`
	Task  string `json:"task"`
	Input string `json:"input"`
}

type completeResponse struct {
	Response string   `json:"response"`
	Actions  []action `json:"actions"`
}

type action struct {
	Task  string `json:"task"`
	Input string `json:"input"`
}

// handleComplete runs the recursive task executor with playbook context.
// All actions are executed internally; the response is final.
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CID == "" || req.Task == "" {
		writeError(w, http.StatusBadRequest, "cid and task are required")
		return
	}
	slog.Info("complete request", "cid", req.CID, "task", req.Task)

	playbookContext, err := s.playbookContext(r.Context(), req.CID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	response, err := s.executor.Execute(r.Context(), req.Task, req.Input, playbookContext)
	if err != nil {
		slog.Error("complete failed", "cid", req.CID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{Response: response, Actions: []action{}})
}

type feedbackRequest struct {
	CID    string `json:"cid"`
	Task   string `json:"task"`
	Input  string `json:"input"`
	Output string `json:"output"`
}

type feedbackResponse struct {
	Feedbacks []components.FeedbackItem `json:"feedbacks"`
}

// handleFeedback critiques an output as problem/suggestion pairs. The
// critique text is parsed heuristically; unparseable critiques fall back
// to generic pairs rather than an error.
func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CID == "" {
		writeError(w, http.StatusBadRequest, "cid is required")
		return
	}
	slog.Info("feedback request", "cid", req.CID, "task", req.Task)

	playbookContext, err := s.playbookContext(r.Context(), req.CID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	systemPrompt := "AI assistant providing constructive feedback."
	if playbookContext != "" {
		systemPrompt += "\n\n" + playbookContext + "\n\nConsider user preferences."
	}
	prompt := fmt.Sprintf("Analyze output and provide 2-3 improvements.\n\nTask: %s\nInput: %s\nOutput: %s\n\nList problem-suggestion pairs.",
		req.Task, req.Input, req.Output)

	resp, err := s.provider.Chat(r.Context(), &provider.ChatRequest{
		Messages: provider.BuildMessages(systemPrompt, nil, prompt),
	})
	if err != nil {
		slog.Error("feedback failed", "cid", req.CID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, feedbackResponse{Feedbacks: components.ParseFeedbackItems(resp.Content)})
}

type refineRequest struct {
	CID       string                    `json:"cid"`
	Task      string                    `json:"task"`
	Input     string                    `json:"input"`
	Output    string                    `json:"output"`
	Feedbacks []components.FeedbackItem `json:"feedbacks"`
}

type refineResponse struct {
	Output string `json:"output"`
}

// handleRefine improves an output by addressing the supplied feedback.
func (s *Server) handleRefine(w http.ResponseWriter, r *http.Request) {
	var req refineRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CID == "" {
		writeError(w, http.StatusBadRequest, "cid is required")
		return
	}
	slog.Info("refine request", "cid", req.CID, "task", req.Task)

	var feedbackLines []string
	for _, fb := range req.Feedbacks {
		feedbackLines = append(feedbackLines, fmt.Sprintf("- %s -> %s", fb.Problem, fb.Suggestion))
	}

	prompt := fmt.Sprintf("Improve response based on feedback.\n\nTask: %s\nInput: %s\n\nPrevious: %s\n\nFeedback: %s\n\nAddress all feedback while keeping good parts.",
		req.Task, req.Input, req.Output, strings.Join(feedbackLines, "\n"))

	playbookContext, err := s.playbookContext(r.Context(), req.CID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if playbookContext != "" {
		prompt += "\n\n" + playbookContext + "\n\nFollow these preferences."
	}

	resp, err := s.provider.Chat(r.Context(), &provider.ChatRequest{
		Messages: provider.BuildMessages("", nil, prompt),
	})
	if err != nil {
		slog.Error("refine failed", "cid", req.CID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, refineResponse{Output: resp.Content})
}

type humanFeedbackRequest struct {
	CID           string `json:"cid"`
	HumanFeedback string `json:"human_feedback"`
}

type humanFeedbackResponse struct {
	Status            string            `json:"status"`
	Message           string            `json:"message"`
	InsightsExtracted int               `json:"insights_extracted"`
	OperationsApplied int               `json:"operations_applied"`
	OperationsFailed  int               `json:"operations_failed"`
	Entries           []*playbook.Entry `json:"entries"`
}

// handleHumanFeedback is the primary entry into the insight pipeline.
func (s *Server) handleHumanFeedback(w http.ResponseWriter, r *http.Request) {
	var req humanFeedbackRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CID == "" || strings.TrimSpace(req.HumanFeedback) == "" {
		writeError(w, http.StatusBadRequest, "cid and human_feedback are required")
		return
	}
	slog.Info("human feedback request", "cid", req.CID)

	result, err := s.extractor.Extract(r.Context(), req.CID, req.HumanFeedback, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	batch, err := s.applier.Apply(r.Context(), req.CID, result.Insights, req.HumanFeedback, result.LLMResponse)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	entries := batch.Entries
	if entries == nil {
		entries = []*playbook.Entry{}
	}
	writeJSON(w, http.StatusOK, humanFeedbackResponse{
		Status:            "success",
		Message:           fmt.Sprintf("Processed feedback: %d operations applied successfully, %d failed.", batch.Applied, batch.Failed),
		InsightsExtracted: len(result.Insights),
		OperationsApplied: batch.Applied,
		OperationsFailed:  batch.Failed,
		Entries:           entries,
	})
}

// component adapts a components.Service method into a handler.
func (s *Server) component(fn func(context.Context, *components.Input) (*components.Output, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var in components.Input
		if !decode(w, r, &in) {
			return
		}
		if in.CID == "" {
			writeError(w, http.StatusBadRequest, "cid is required")
			return
		}
		out, err := fn(r.Context(), &in)
		if err != nil {
			slog.Error("component failed", "cid", in.CID, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (s *Server) handlePlaybook(w http.ResponseWriter, r *http.Request) {
	cid := r.PathValue("cid")
	opts := playbook.ListOptions{
		InsightType:     r.URL.Query().Get("type"),
		Tag:             r.URL.Query().Get("tag"),
		IncludeInactive: r.URL.Query().Get("include_inactive") == "true",
	}
	entries, err := s.store.ListEntries(r.Context(), cid, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*playbook.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cid":         cid,
		"count":       len(entries),
		"max_entries": s.store.MaxEntries(),
		"entries":     entries,
	})
}

func (s *Server) handlePlaybookContext(w http.ResponseWriter, r *http.Request) {
	cid := r.PathValue("cid")
	entries, err := s.store.ListEntries(r.Context(), cid, playbook.ListOptions{})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cid":     cid,
		"context": playbook.FormatContext(entries),
	})
}

func (s *Server) handlePlaybookOperations(w http.ResponseWriter, r *http.Request) {
	cid := r.PathValue("cid")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	logs, err := s.store.Operations(r.Context(), cid, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []*playbook.OperationLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cid":        cid,
		"count":      len(logs),
		"operations": logs,
	})
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := s.convs.List(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if convs == nil {
		convs = []*conversation.Conversation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":         len(convs),
		"conversations": convs,
	})
}

func (s *Server) handleConversationDetail(w http.ResponseWriter, r *http.Request) {
	cid := r.PathValue("cid")
	conv, err := s.convs.Get(r.Context(), cid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	msgs, err := s.convs.Messages(r.Context(), cid, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []*conversation.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conv,
		"messages":     msgs,
	})
}

// handleConversationDelete purges the message window. Playbook entries for
// the conversation survive.
func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	cid := r.PathValue("cid")
	deleted, err := s.convs.Delete(r.Context(), cid)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "cid": cid})
}

// playbookContext loads formatted playbook context, empty when the
// conversation has no entries.
func (s *Server) playbookContext(ctx context.Context, cid string) (string, error) {
	entries, err := s.store.ListEntries(ctx, cid, playbook.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("load playbook: %w", err)
	}
	if len(entries) == 0 {
		return "", nil
	}
	return playbook.FormatContext(entries), nil
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Addr joins host and port for ListenAndServe.
func Addr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
