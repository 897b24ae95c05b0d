// Package sandbox runs a handler closure under resource caps and reports
// violations alongside observed usage. It is an in-process scope, not an OS
// isolation boundary: caps are enforced by measurement and cooperative
// cancellation, and the caller decides whether a violation fails the task.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// Limits caps one sandboxed execution. Zero fields are unlimited.
type Limits struct {
	MaxDuration    time.Duration
	MaxMemoryMB    float64
	MaxOutputBytes int
}

// Violation records one exceeded cap.
type Violation struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// Usage is the observed resource consumption of a run.
type Usage struct {
	WallTime    time.Duration `json:"wall_time_ns"`
	AllocDelta  float64       `json:"alloc_delta_mb"`
	OutputBytes int           `json:"output_bytes"`
}

// Result is the outcome of a sandboxed run. Err carries the closure's error
// or the cancellation cause; Violations may be non-empty even on success.
type Result struct {
	Output     []byte
	Err        error
	Violations []Violation
	Usage      Usage
}

// Fn is the closure shape executed by the sandbox.
type Fn func(ctx context.Context) ([]byte, error)

// Sandbox executes closures under Limits.
type Sandbox struct {
	limits Limits
	logger *slog.Logger
}

// New creates a sandbox with the given limits.
func New(limits Limits) *Sandbox {
	return &Sandbox{
		limits: limits,
		logger: slog.Default().With("component", "sandbox"),
	}
}

// Run executes fn under the sandbox's limits. The closure must observe ctx:
// when the duration cap or the caller's cancellation fires, ctx is cancelled
// and the run is abandoned (the goroutine drains in the background).
func (s *Sandbox) Run(ctx context.Context, fn Fn) Result {
	runCtx := ctx
	var cancel context.CancelFunc
	if s.limits.MaxDuration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.limits.MaxDuration)
		defer cancel()
	}

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()

	type outcome struct {
		output []byte
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("sandboxed execution panicked: %v", r)}
			}
		}()
		out, err := fn(runCtx)
		done <- outcome{output: out, err: err}
	}()

	var res Result
	select {
	case o := <-done:
		res.Output = o.output
		res.Err = o.err
	case <-runCtx.Done():
		// Abandoned run: the closure keeps the buffered channel from leaking
		// the goroutine when it eventually returns.
		res.Err = runCtx.Err()
	}

	res.Usage.WallTime = time.Since(start)
	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	if after.TotalAlloc > before.TotalAlloc {
		res.Usage.AllocDelta = float64(after.TotalAlloc-before.TotalAlloc) / (1024 * 1024)
	}
	res.Usage.OutputBytes = len(res.Output)

	s.collectViolations(&res)
	return res
}

func (s *Sandbox) collectViolations(res *Result) {
	if s.limits.MaxDuration > 0 && res.Usage.WallTime > s.limits.MaxDuration {
		res.Violations = append(res.Violations, Violation{
			Kind:   "duration",
			Detail: fmt.Sprintf("wall time %v exceeded cap %v", res.Usage.WallTime.Round(time.Millisecond), s.limits.MaxDuration),
		})
	}
	if s.limits.MaxMemoryMB > 0 && res.Usage.AllocDelta > s.limits.MaxMemoryMB {
		res.Violations = append(res.Violations, Violation{
			Kind:   "memory",
			Detail: fmt.Sprintf("allocated %.1f MB exceeded cap %.1f MB", res.Usage.AllocDelta, s.limits.MaxMemoryMB),
		})
	}
	if s.limits.MaxOutputBytes > 0 && res.Usage.OutputBytes > s.limits.MaxOutputBytes {
		res.Violations = append(res.Violations, Violation{
			Kind:   "output",
			Detail: fmt.Sprintf("output %d bytes exceeded cap %d bytes", res.Usage.OutputBytes, s.limits.MaxOutputBytes),
		})
		// Oversized output is truncated, not delivered whole.
		res.Output = res.Output[:s.limits.MaxOutputBytes]
	}
}
