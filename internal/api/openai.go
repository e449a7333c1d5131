package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/kilnlabs/kiln/internal/domain"
)

// ─── OpenAI-compatible API (/v1/*) ──────────────────────────────────────────
// These endpoints mimic the OpenAI API format so that any tool built for
// OpenAI or compatible providers can talk to Kiln out of the box.

// --- /v1/models ---

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	records, err := s.core.Store().DB().List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := s.core.Store().Status()

	data := make([]map[string]interface{}, 0, len(status))
	seen := make(map[string]bool)
	for _, rec := range records {
		seen[rec.ID] = true
		data = append(data, map[string]interface{}{
			"id":       rec.ID,
			"object":   "model",
			"created":  rec.ValidatedAt.Unix(),
			"owned_by": "kiln",
		})
	}
	for id := range status {
		if !seen[id] {
			data = append(data, map[string]interface{}{
				"id":       id,
				"object":   "model",
				"owned_by": "kiln",
			})
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   data,
	})
}

// --- /v1/chat/completions ---

// chatRequest is the OpenAI chat completions request body.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	TopP        *float32      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream"`
	Stop        []string      `json:"stop,omitempty"`
	TimeoutMS   int           `json:"timeout_ms,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	task := &domain.TaskRequest{
		Kind:     domain.TaskChat,
		Model:    req.Model,
		Messages: toDomainMessages(req.Messages),
		Params:   toParams(req.Temperature, req.TopP, req.MaxTokens, req.Stop),
		Timeout:  time.Duration(req.TimeoutMS) * time.Millisecond,
	}

	completionID := "chatcmpl-" + uuid.New().String()[:8]
	if req.Stream {
		s.streamResponse(w, r, task, req.Model, completionID, "chat.completion.chunk", chatDelta)
	} else {
		s.chatResponse(w, r, task, req.Model, completionID)
	}
}

func (s *Server) chatResponse(w http.ResponseWriter, r *http.Request, task *domain.TaskRequest, model, completionID string) {
	res, err := s.core.Run(r.Context(), task, nil)
	if err != nil {
		writeTaskError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      completionID,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{
			{
				"index": 0,
				"message": map[string]interface{}{
					"role":    "assistant",
					"content": res.Content,
				},
				"finish_reason": res.FinishReason.OpenAI(),
			},
		},
		"usage": usageJSON(res.Usage),
	})
}

// --- /v1/completions ---

type completionRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	Temperature *float32 `json:"temperature,omitempty"`
	TopP        *float32 `json:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stream      bool     `json:"stream"`
	Stop        []string `json:"stop,omitempty"`
	TimeoutMS   int      `json:"timeout_ms,omitempty"`
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	task := &domain.TaskRequest{
		Kind:    domain.TaskCompletion,
		Model:   req.Model,
		Prompt:  req.Prompt,
		Params:  toParams(req.Temperature, req.TopP, req.MaxTokens, req.Stop),
		Timeout: time.Duration(req.TimeoutMS) * time.Millisecond,
	}

	completionID := "cmpl-" + uuid.New().String()[:8]
	if req.Stream {
		s.streamResponse(w, r, task, req.Model, completionID, "text_completion", textDelta)
		return
	}

	res, err := s.core.Run(r.Context(), task, nil)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      completionID,
		"object":  "text_completion",
		"created": time.Now().Unix(),
		"model":   req.Model,
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"text":          res.Content,
				"finish_reason": res.FinishReason.OpenAI(),
			},
		},
		"usage": usageJSON(res.Usage),
	})
}

// --- /v1/embeddings ---

type embeddingRequest struct {
	Model string      `json:"model"`
	Input interface{} `json:"input"` // string or []string
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	var req embeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "model is required")
		return
	}

	var inputs []string
	switch v := req.Input.(type) {
	case string:
		inputs = []string{v}
	case []interface{}:
		for _, item := range v {
			if str, ok := item.(string); ok {
				inputs = append(inputs, str)
			}
		}
	default:
		writeError(w, http.StatusBadRequest, "input must be a string or array of strings")
		return
	}

	res, err := s.core.Embed(r.Context(), req.Model, inputs)
	if err != nil {
		writeTaskError(w, err)
		return
	}

	data := make([]map[string]interface{}, len(res.Embeddings))
	for i, emb := range res.Embeddings {
		data[i] = map[string]interface{}{
			"object":    "embedding",
			"embedding": emb,
			"index":     i,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"object": "list",
		"data":   data,
		"model":  req.Model,
		"usage":  usageJSON(res.Usage),
	})
}

// ─── Streaming ──────────────────────────────────────────────────────────────

// deltaFunc renders one chunk into the choice object for the stream.
type deltaFunc func(text string, finish *string) map[string]interface{}

func chatDelta(text string, finish *string) map[string]interface{} {
	delta := map[string]interface{}{}
	if text != "" {
		delta["content"] = text
	}
	choice := map[string]interface{}{"index": 0, "delta": delta, "finish_reason": nil}
	if finish != nil {
		choice["finish_reason"] = *finish
	}
	return choice
}

func textDelta(text string, finish *string) map[string]interface{} {
	choice := map[string]interface{}{"index": 0, "text": text, "finish_reason": nil}
	if finish != nil {
		choice["finish_reason"] = *finish
	}
	return choice
}

// streamResponse runs the task and emits SSE chunks as they arrive.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, task *domain.TaskRequest, model, completionID, object string, delta deltaFunc) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writer := bufio.NewWriter(w)
	emitChunk := func(choice map[string]interface{}) {
		chunk := map[string]interface{}{
			"id":      completionID,
			"object":  object,
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]interface{}{choice},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(writer, "data: %s\n\n", data)
		writer.Flush()
		flusher.Flush()
	}

	res, err := s.core.Run(r.Context(), task, func(c domain.Chunk) {
		emitChunk(delta(c.Text, nil))
	})
	if err != nil {
		// Headers are out; best effort terminal frame.
		reason := "stop"
		emitChunk(delta("", &reason))
		fmt.Fprintf(writer, "data: [DONE]\n\n")
		writer.Flush()
		flusher.Flush()
		return
	}

	reason := res.FinishReason.OpenAI()
	emitChunk(delta("", &reason))
	fmt.Fprintf(writer, "data: [DONE]\n\n")
	writer.Flush()
	flusher.Flush()
}

// ─── Translation helpers ────────────────────────────────────────────────────

// toDomainMessages normalizes roles: the legacy "function" role maps to
// "tool".
func toDomainMessages(msgs []chatMessage) []domain.Message {
	out := make([]domain.Message, len(msgs))
	for i, m := range msgs {
		role := m.Role
		if role == "function" {
			role = "tool"
		}
		out[i] = domain.Message{Role: role, Content: m.Content}
	}
	return out
}

func toParams(temp, topP *float32, maxTokens *int, stop []string) domain.GenerateParams {
	p := domain.GenerateParams{Temperature: 0.7, TopP: 0.9}
	if temp != nil {
		p.Temperature = *temp
	}
	if topP != nil {
		p.TopP = *topP
	}
	if maxTokens != nil {
		p.MaxTokens = *maxTokens
	}
	p.Stop = stop
	return p
}

func usageJSON(u domain.Usage) map[string]interface{} {
	return map[string]interface{}{
		"prompt_tokens":     u.PromptTokens,
		"completion_tokens": u.CompletionTokens,
		"total_tokens":      u.PromptTokens + u.CompletionTokens,
	}
}

// writeTaskError maps the error taxonomy to HTTP statuses.
func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrUnknownModel):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrModelNotReady):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrCapacityExhausted):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrCancelled), errors.Is(err, domain.ErrTimeout):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
