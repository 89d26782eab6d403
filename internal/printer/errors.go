package printer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation requires an active
	// connection and there is none.
	ErrNotConnected = errors.New("printer: not connected")

	// ErrConnectFailed is returned when connecting (or reconnecting after
	// backoff is exhausted) fails.
	ErrConnectFailed = errors.New("printer: connect failed")

	// ErrWriteFailed is returned when a characteristic write fails after
	// its local retry.
	ErrWriteFailed = errors.New("printer: write failed")

	// ErrQueueFull is returned by QueueCommand when the command queue is
	// at its configured bound. Enqueue never blocks.
	ErrQueueFull = errors.New("printer: command queue full")

	// ErrQueueCleared rejects pending commands removed by ClearCommandQueue.
	ErrQueueCleared = errors.New("printer: command queue cleared")

	// ErrDiagnosticFailure is returned when the auto-troubleshoot
	// escalation cannot restore a working link.
	ErrDiagnosticFailure = errors.New("printer: diagnostic failure")

	// ErrManagerClosed is returned after Close.
	ErrManagerClosed = errors.New("printer: manager closed")
)

// CommandError is the terminal failure handed to a command's caller once
// its retry budget is exhausted.
type CommandError struct {
	CommandID string
	Attempts  int
	Err       error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("printer: command %s failed after %d attempts: %v", e.CommandID, e.Attempts, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }
