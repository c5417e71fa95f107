// Package coderunner executes small LLM-authored Go programs in an
// interpreted sandbox: no network, no filesystem, no subprocesses, bounded
// wall-clock.
package coderunner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"go.uber.org/zap"

	"github.com/jverneuer/deepresearch/internal/metrics"
)

// Limits bound one run.
type Limits struct {
	// WallClock is the hard deadline for the whole run.
	WallClock time.Duration
	// CPU approximates a CPU cap; the interpreter is single-threaded so the
	// wall-clock bound is the enforcing mechanism and CPU is kept for the
	// contract.
	CPU time.Duration
	// MaxOutputBytes truncates captured stdout/stderr.
	MaxOutputBytes int
}

// DefaultLimits match the per-call timeout table.
func DefaultLimits() Limits {
	return Limits{
		WallClock:      5 * time.Second,
		CPU:            2 * time.Second,
		MaxOutputBytes: 32 * 1024,
	}
}

// RunResult is the outcome of one sandboxed run.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitOK   bool
	Duration time.Duration
}

// Port runs a program against a knowledge snapshot.
type Port interface {
	Run(ctx context.Context, program string, inputs map[string]any, limits Limits) (RunResult, error)
}

// ErrForbiddenImport marks a program importing outside the whitelist.
var ErrForbiddenImport = errors.New("coderunner: forbidden import")

// allowedImports is the stdlib whitelist. Everything touching the OS,
// network or unsafe memory is excluded.
var allowedImports = map[string]bool{
	"bytes": true, "errors": true, "fmt": true, "math": true,
	"regexp": true, "sort": true, "strconv": true, "strings": true,
	"time": true, "unicode": true, "unicode/utf8": true,
	"encoding/json": true, "encoding/csv": true, "encoding/base64": true,
	"container/heap": true, "container/list": true, "math/bits": true,
}

// Runner is the yaegi implementation of the code port.
type Runner struct {
	logger *zap.Logger
}

// NewRunner constructs a runner.
func NewRunner(logger *zap.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run interprets the program. The program must define
// `func Solve(input string) (string, error)`; inputs are passed as a JSON
// document.
func (r *Runner) Run(ctx context.Context, program string, inputs map[string]any, limits Limits) (RunResult, error) {
	if limits.WallClock <= 0 {
		limits = DefaultLimits()
	}
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = DefaultLimits().MaxOutputBytes
	}

	program = wrapProgram(program)
	if err := checkImports(program); err != nil {
		return RunResult{Stderr: err.Error()}, err
	}

	inputJSON, err := json.Marshal(inputs)
	if err != nil {
		return RunResult{}, fmt.Errorf("coderunner: encode inputs: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.WallClock)
	defer cancel()

	var stdout, stderr bytes.Buffer
	i := interp.New(interp.Options{Stdout: &stdout, Stderr: &stderr})
	if err := i.Use(stdlib.Symbols); err != nil {
		return RunResult{}, fmt.Errorf("coderunner: load stdlib: %w", err)
	}

	start := time.Now()
	result, runErr := r.eval(runCtx, i, program, string(inputJSON))
	elapsed := time.Since(start)
	metrics.ToolCallDuration.WithLabelValues("code").Observe(elapsed.Seconds())

	out := RunResult{
		Stdout:   clip(stdout.String()+result, limits.MaxOutputBytes),
		Stderr:   clip(stderr.String(), limits.MaxOutputBytes),
		ExitOK:   runErr == nil,
		Duration: elapsed,
	}
	if runErr != nil {
		metrics.ToolCalls.WithLabelValues("code", "error").Inc()
		if out.Stderr == "" {
			out.Stderr = runErr.Error()
		}
		return out, runErr
	}
	metrics.ToolCalls.WithLabelValues("code", "ok").Inc()
	return out, nil
}

func (r *Runner) eval(ctx context.Context, i *interp.Interpreter, program, input string) (string, error) {
	if _, err := i.EvalWithContext(ctx, program); err != nil {
		return "", fmt.Errorf("coderunner: eval: %w", err)
	}
	v, err := i.EvalWithContext(ctx, "main.Solve")
	if err != nil {
		return "", errors.New("coderunner: program must define Solve(input string) (string, error)")
	}
	solve, ok := v.Interface().(func(string) (string, error))
	if !ok {
		return "", errors.New("coderunner: Solve has wrong signature, want func(string) (string, error)")
	}

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("coderunner: panic: %v", p)}
			}
		}()
		res, err := solve(input)
		done <- outcome{result: res, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return "", fmt.Errorf("coderunner: %w", ctx.Err())
	}
}

// wrapProgram adds a package clause when the model omitted one.
func wrapProgram(program string) string {
	trimmed := strings.TrimSpace(program)
	if strings.HasPrefix(trimmed, "package ") {
		return trimmed
	}
	return "package main\n\n" + trimmed
}

// checkImports parses the program and rejects imports outside the
// whitelist before anything is evaluated.
func checkImports(program string) error {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "program.go", program, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("coderunner: parse: %w", err)
	}
	for _, imp := range file.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if !allowedImports[path] {
			return fmt.Errorf("%w: %s", ErrForbiddenImport, path)
		}
	}
	return nil
}

func clip(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n[truncated]"
}
