// Package server wires one Store and one Pool behind a small façade:
// lifecycle, lease delegation, and acquire-run-release convenience calls.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/kilnlabs/kiln/internal/domain"
	"github.com/kilnlabs/kiln/internal/metrics"
	"github.com/kilnlabs/kiln/internal/pool"
	"github.com/kilnlabs/kiln/internal/store"
)

// Server owns the store and the instance pool.
type Server struct {
	store *store.Store
	pool  *pool.Pool
	log   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger injects the structured logger.
func WithLogger(log *slog.Logger) Option { return func(s *Server) { s.log = log } }

func New(st *store.Store, p *pool.Pool, opts ...Option) *Server {
	s := &Server{store: st, pool: p, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Pool exposes the instance pool for status surfaces.
func (s *Server) Pool() *pool.Pool { return s.pool }

// Store exposes the model store for status surfaces.
func (s *Server) Store() *store.Store { return s.store }

// Start initialises the store and prepares each model's floor. Models
// with prepare mode "blocking" gate the call; "async" floors warm in
// the background.
func (s *Server) Start(ctx context.Context) error {
	if err := s.store.Start(ctx); err != nil {
		return err
	}
	return s.pool.PrepareFloor(ctx)
}

// Stop drains the pool, then stops the store.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.pool.Stop(ctx); err != nil {
		return err
	}
	return s.store.Stop()
}

// RequestInstance acquires a lease on an instance compatible with req.
// The caller executes tasks on it and must release it.
func (s *Server) RequestInstance(ctx context.Context, req *domain.TaskRequest) (*pool.Lease, error) {
	start := time.Now()
	lease, err := s.pool.Acquire(ctx, req)
	if err != nil {
		return nil, err
	}
	metrics.AcquireLatency.WithLabelValues(req.Model).Observe(time.Since(start).Seconds())
	return lease, nil
}

// Run acquires, executes, awaits, and releases in one call. onChunk, if
// non-nil, receives streamed chunks as they arrive.
func (s *Server) Run(ctx context.Context, req *domain.TaskRequest, onChunk func(domain.Chunk)) (*domain.TaskResult, error) {
	lease, err := s.RequestInstance(ctx, req)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if onChunk != nil {
		req.Stream = true
	}
	start := time.Now()
	task, err := lease.Execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		for c := range task.Progress() {
			onChunk(c)
		}
	}
	res, err := task.Result(ctx)
	if err != nil && ctx.Err() != nil {
		// The caller walked away; cancel the task and wait for it to
		// settle so the lease is never released with work in flight.
		task.Cancel()
		res, err = task.Result(context.Background())
	}
	if err != nil {
		metrics.TasksTotal.WithLabelValues(string(req.Kind), "error").Inc()
		return nil, err
	}
	metrics.TasksTotal.WithLabelValues(string(req.Kind), string(res.FinishReason)).Inc()
	metrics.TaskDuration.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds())
	return res, nil
}

// Chat runs one chat completion.
func (s *Server) Chat(ctx context.Context, model string, msgs []domain.Message, params domain.GenerateParams, timeout time.Duration) (*domain.TaskResult, error) {
	return s.Run(ctx, &domain.TaskRequest{
		Kind:     domain.TaskChat,
		Model:    model,
		Messages: msgs,
		Params:   params,
		Timeout:  timeout,
	}, nil)
}

// Complete runs one text completion.
func (s *Server) Complete(ctx context.Context, model, prompt string, params domain.GenerateParams, timeout time.Duration) (*domain.TaskResult, error) {
	return s.Run(ctx, &domain.TaskRequest{
		Kind:    domain.TaskCompletion,
		Model:   model,
		Prompt:  prompt,
		Params:  params,
		Timeout: timeout,
	}, nil)
}

// Embed runs one embedding task.
func (s *Server) Embed(ctx context.Context, model string, input []string) (*domain.TaskResult, error) {
	return s.Run(ctx, &domain.TaskRequest{
		Kind:  domain.TaskEmbedding,
		Model: model,
		Input: input,
	}, nil)
}
