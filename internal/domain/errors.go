package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Callers distinguish failures with errors.Is, never by message.

var (
	// ErrUnknownModel — request targets a model id not in config. Non-retriable.
	ErrUnknownModel = errors.New("unknown model")

	// ErrModelNotReady — the store has the model but its files are missing
	// or failed validation.
	ErrModelNotReady = errors.New("model not ready")

	// ErrCancelled — external cancel observed while waiting for an
	// instance. A running task that is cancelled resolves with
	// FinishCancel and its partial output instead.
	ErrCancelled = errors.New("cancelled")

	// ErrTimeout — deadline elapsed while waiting for an instance. A
	// running task that hits its timeout resolves with FinishTimeout and
	// its partial output instead.
	ErrTimeout = errors.New("timed out")

	// ErrCapacityExhausted — acquire exceeded the configured waiter bound.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrShuttingDown — acquire during or after pool shutdown.
	ErrShuttingDown = errors.New("shutting down")

	// ErrEngineFailure — the adapter raised a non-cancellation failure.
	// Always wrapped around the adapter's cause; test with errors.Is.
	ErrEngineFailure = errors.New("engine failure")

	// ErrChecksumMismatch — raised by the store during validation.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrInstanceBusy — a second task was submitted to an instance whose
	// lease already carries one in flight.
	ErrInstanceBusy = errors.New("instance busy")
)
