package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilnlabs/kiln/internal/domain"
)

// ─── Mock Adapter (for testing without model files) ─────────────────────────

// MockAdapter implements Adapter for tests. Prepare and token latency are
// configurable so tests can exercise timeouts, cancellation, and waiter
// queues deterministically.
type MockAdapter struct {
	// PrepareDelay is slept inside Prepare (interruptible by ctx).
	PrepareDelay time.Duration
	// TokenDelay is slept before each emitted token.
	TokenDelay time.Duration
	// Reply overrides the generated text. Receives the request.
	Reply func(req *domain.TaskRequest) string
	// PrepareErr, if set, makes every Prepare fail.
	PrepareErr error
	// ProcessErr, if set, makes every Process fail (engine failure).
	ProcessErr error
	// Kinds overrides the supported task kinds (default: all).
	Kinds []domain.TaskKind

	prepares atomic.Int64
	disposes atomic.Int64
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{TokenDelay: time.Millisecond}
}

func (m *MockAdapter) Name() string { return "mock" }

func (m *MockAdapter) TaskKinds() []domain.TaskKind {
	if m.Kinds != nil {
		return m.Kinds
	}
	return []domain.TaskKind{
		domain.TaskChat, domain.TaskCompletion, domain.TaskEmbedding,
		domain.TaskImageToText, domain.TaskTextToImage, domain.TaskImageToImage,
		domain.TaskSpeechToText, domain.TaskTextToSpeech, domain.TaskObjectDetection,
	}
}

// PrepareCount reports how many Prepare calls succeeded.
func (m *MockAdapter) PrepareCount() int64 { return m.prepares.Load() }

// DisposeCount reports how many handles were disposed.
func (m *MockAdapter) DisposeCount() int64 { return m.disposes.Load() }

func (m *MockAdapter) Prepare(ctx context.Context, cfg domain.ModelConfig, modelPath string) (Handle, error) {
	if m.PrepareErr != nil {
		return nil, m.PrepareErr
	}
	if m.PrepareDelay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.PrepareDelay):
		}
	}
	m.prepares.Add(1)
	return &mockHandle{
		adapter:     m,
		cfg:         cfg,
		fingerprint: domain.FingerprintMessages(cfg.InitialMessages),
	}, nil
}

// mockHandle is one "loaded" mock runtime.
type mockHandle struct {
	adapter *MockAdapter
	cfg     domain.ModelConfig

	mu          sync.Mutex
	fingerprint domain.Fingerprint
	disposed    bool
}

func (h *mockHandle) Fingerprint() domain.Fingerprint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.fingerprint
}

func (h *mockHandle) Reset() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fingerprint = domain.FingerprintMessages(h.cfg.InitialMessages)
	return nil
}

func (h *mockHandle) Dispose() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return nil
	}
	h.disposed = true
	h.adapter.disposes.Add(1)
	return nil
}

func (h *mockHandle) Process(ctx context.Context, req *domain.TaskRequest, emit func(domain.Chunk)) (*domain.TaskResult, error) {
	if err := h.adapter.ProcessErr; err != nil {
		return nil, err
	}
	h.mu.Lock()
	disposed := h.disposed
	h.mu.Unlock()
	if disposed {
		return nil, fmt.Errorf("handle is disposed")
	}

	switch req.Kind {
	case domain.TaskEmbedding:
		return h.embed(req), nil
	case domain.TaskChat, domain.TaskCompletion, domain.TaskImageToText, domain.TaskSpeechToText:
		return h.generate(ctx, req, emit)
	default:
		// Binary-output kinds return a fixed payload.
		return &domain.TaskResult{
			Image:        []byte("mock-output"),
			Audio:        []byte("mock-output"),
			FinishReason: domain.FinishEOG,
		}, nil
	}
}

func (h *mockHandle) embed(req *domain.TaskRequest) *domain.TaskResult {
	out := make([][]float32, len(req.Input))
	for i, s := range req.Input {
		vec := make([]float32, 8)
		for j := range vec {
			vec[j] = float32(len(s)+i+j) / 100
		}
		out[i] = vec
	}
	return &domain.TaskResult{
		Embeddings:   out,
		FinishReason: domain.FinishEOG,
		Usage:        domain.Usage{PromptTokens: len(req.Input)},
	}
}

// generate emits the reply word by word, honoring stop triggers, max
// tokens, and cancellation. Partial output is always kept.
func (h *mockHandle) generate(ctx context.Context, req *domain.TaskRequest, emit func(domain.Chunk)) (*domain.TaskResult, error) {
	reply := h.reply(req)
	words := strings.Fields(reply)

	var sb strings.Builder
	finish := domain.FinishEOG
	tokens := 0

loop:
	for i, word := range words {
		if h.adapter.TokenDelay > 0 {
			select {
			case <-ctx.Done():
				finish = domain.FinishCancel
				break loop
			case <-time.After(h.adapter.TokenDelay):
			}
		} else if ctx.Err() != nil {
			finish = domain.FinishCancel
			break loop
		}

		text := word
		if i < len(words)-1 {
			text += " "
		}

		// Stop triggers cut generation before the trigger is emitted.
		if stop, trimmed := matchStop(sb.String(), text, req.Params.Stop); stop {
			if trimmed != "" {
				sb.WriteString(trimmed)
				tokens++
				if emit != nil {
					emit(domain.Chunk{Text: trimmed, Index: tokens})
				}
			}
			finish = domain.FinishStopTrigger
			break loop
		}

		sb.WriteString(text)
		tokens++
		if emit != nil {
			emit(domain.Chunk{Text: text, Index: tokens})
		}

		if req.Params.MaxTokens > 0 && tokens >= req.Params.MaxTokens {
			finish = domain.FinishMaxTokens
			break loop
		}
	}

	content := sb.String()
	if req.Kind == domain.TaskChat {
		// End-of-task resident state, cancelled or not: the ingested
		// messages plus whatever assistant turn was generated. A
		// follow-up carrying the partial turn prefix-matches here.
		msgs := append([]domain.Message(nil), req.Messages...)
		if content != "" {
			msgs = append(msgs, domain.Message{Role: "assistant", Content: content})
		}
		h.mu.Lock()
		h.fingerprint = domain.FingerprintMessages(msgs)
		h.mu.Unlock()
	}

	promptChars := len(req.Prompt)
	for _, m := range req.Messages {
		promptChars += len(m.Content)
	}
	return &domain.TaskResult{
		Content:      content,
		FinishReason: finish,
		Usage:        domain.Usage{PromptTokens: promptChars / 4, CompletionTokens: tokens},
	}, nil
}

func (h *mockHandle) reply(req *domain.TaskRequest) string {
	if h.adapter.Reply != nil {
		return h.adapter.Reply(req)
	}
	prompt := req.Prompt
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			prompt = req.Messages[i].Content
			break
		}
	}
	return fmt.Sprintf("I received your prompt: %s. %s", prompt,
		strings.Repeat("And the story continued on and on. ", 32))
}

// matchStop checks whether appending next to prior crosses a stop trigger.
// Returns the portion of next that precedes the trigger.
func matchStop(prior, next string, stops []string) (bool, string) {
	if len(stops) == 0 {
		return false, ""
	}
	combined := prior + next
	for _, s := range stops {
		if s == "" {
			continue
		}
		if idx := strings.Index(combined, s); idx >= 0 {
			if idx <= len(prior) {
				return true, ""
			}
			return true, combined[len(prior):idx]
		}
	}
	return false, ""
}
