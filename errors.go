package cortex

import "fmt"

// ErrStoreUnavailable wraps a durable-store failure that survived the local
// retry policy. Enqueue fails with this and nothing else.
type ErrStoreUnavailable struct {
	Op  string
	Err error
}

func (e *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("store unavailable during %s: %v", e.Op, e.Err)
}

func (e *ErrStoreUnavailable) Unwrap() error { return e.Err }

// ErrLLM reports a failure from an external model callback.
type ErrLLM struct {
	Stage   string // "turn", "extract", "summarize", "embed"
	Message string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("llm %s: %s", e.Stage, e.Message)
}

// ErrInvariant is fatal during init: a violated startup invariant such as a
// double-active singleton or a schema mismatch. It halts start.
type ErrInvariant struct {
	Detail string
}

func (e *ErrInvariant) Error() string {
	return "invariant violation: " + e.Detail
}
