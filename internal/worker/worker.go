// Package worker implements the Worker Facade (spec.md §4.C): a
// subprocess-per-call wrapper around an opaque worker binary, with a
// stall watchdog and per-phase JSON schema validation, grounded on the
// teacher's tool_registry.go schema-compile/validate idiom.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danshapiro/runr/internal/diagnosis"
	"github.com/danshapiro/runr/internal/model"
	"github.com/danshapiro/runr/internal/procutil"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Spec identifies one worker binary invocation (spec.md §6 workers.<name>).
type Spec struct {
	Bin       string
	Args      []string
	OutputKind string // "json" | "jsonl"
}

// CallOptions configures one worker call.
type CallOptions struct {
	Timeout       time.Duration
	StallTimeout  time.Duration
	WatchdogPoll  time.Duration // must be <= 10s per spec.md §4.C
	Schema        *jsonschema.Schema
}

// CallResult is the outcome of Call.
type CallResult struct {
	Status      string // "succeeded" | "failed"
	Text        string
	Observation string // set on failure: worker_call_timeout, stalled_timeout, worker_parse_failed, or captured stderr/stdout
}

// ReasonCode classifies a failed CallResult's Observation into one of the
// Stop Reason Registry's canonical worker codes (spec.md §4.C/§4.J), so
// callers can propagate the right terminal code on retry exhaustion
// instead of collapsing every worker failure into worker_failed.
func (r CallResult) ReasonCode() string {
	switch {
	case r.Observation == "stalled_timeout":
		return diagnosis.StalledTimeout
	case r.Observation == "worker_call_timeout":
		return diagnosis.WorkerCallTimeout
	case strings.HasPrefix(r.Observation, "worker_parse_failed"):
		return diagnosis.WorkerParseFailed
	default:
		return diagnosis.WorkerFailed
	}
}

// CallError wraps a worker call failure with its classified stop reason,
// letting the supervisor select the correct onExhausted code instead of a
// hardcoded diagnosis.WorkerFailed (spec.md §4.F retry exhaustion).
type CallError struct {
	Reason string
	Err    error
}

func (e *CallError) Error() string { return e.Err.Error() }
func (e *CallError) Unwrap() error { return e.Err }

const defaultWatchdogPoll = 10 * time.Second

// Call runs spec's binary with prompt on stdin, enforcing the per-call
// timeout and a stall watchdog that tracks the last time any byte was
// observed on stdout (spec.md §4.C).
func Call(ctx context.Context, spec Spec, prompt string, opts CallOptions) (CallResult, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.WatchdogPoll <= 0 || opts.WatchdogPoll > defaultWatchdogPoll {
		opts.WatchdogPoll = defaultWatchdogPoll
	}

	callCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, spec.Bin, spec.Args...)
	cmd.Stdin = bytes.NewBufferString(prompt)

	var stdout, stderr bytes.Buffer
	tw := &trackingWriter{buf: &stdout, lastWrite: time.Now()}
	cmd.Stdout = tw
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return CallResult{Status: "failed", Observation: err.Error()}, nil
	}

	stallCh := make(chan struct{})
	watchdogDone := make(chan struct{})
	if opts.StallTimeout > 0 {
		go runWatchdog(callCtx, cmd.Process.Pid, tw, opts.StallTimeout, opts.WatchdogPoll, stallCh, watchdogDone)
	} else {
		close(watchdogDone)
	}

	waitErr := cmd.Wait()
	close(stallCh) // signal watchdog to stop, if still running
	<-watchdogDone

	if tw.stalledFlag.Load() {
		return CallResult{Status: "failed", Observation: "stalled_timeout"}, nil
	}
	if callCtx.Err() != nil {
		return CallResult{Status: "failed", Observation: "worker_call_timeout"}, nil
	}

	if waitErr != nil {
		observation := stderr.String()
		if observation == "" {
			observation = stdout.String()
		}
		return CallResult{Status: "failed", Observation: observation}, nil
	}

	text, err := model.ExtractWorkerText(stdout.Bytes())
	if err != nil {
		return CallResult{Status: "failed", Observation: err.Error()}, nil
	}

	if opts.Schema != nil {
		var v any
		if err := json.Unmarshal(stdout.Bytes(), &v); err == nil {
			if err := opts.Schema.Validate(v); err != nil {
				return CallResult{Status: "failed", Observation: fmt.Sprintf("worker_parse_failed: %v", err)}, nil
			}
		}
	}

	return CallResult{Status: "succeeded", Text: text}, nil
}

// trackingWriter wraps the stdout buffer and records the last time any
// bytes were written, for the stall watchdog.
type trackingWriter struct {
	mu          sync.Mutex
	buf         *bytes.Buffer
	lastWrite   time.Time
	stalledFlag atomic.Bool
}

func (w *trackingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.lastWrite = time.Now()
	w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *trackingWriter) sinceLastWrite() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastWrite)
}

// runWatchdog polls every pollInterval; if the worker has produced no
// bytes for longer than stallTimeout it marks the call stalled and sends
// SIGTERM to the worker process (spec.md §4.C, §5: cooperative cancellation via a
// goroutine that signals and then terminates the subprocess).
func runWatchdog(ctx context.Context, pid int, tw *trackingWriter, stallTimeout, pollInterval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !procutil.PIDAlive(pid) {
				return
			}
			if tw.sinceLastWrite() > stallTimeout {
				tw.stalledFlag.Store(true)
				_ = exec.Command("kill", "-TERM", fmt.Sprint(pid)).Run()
				return
			}
		}
	}
}
