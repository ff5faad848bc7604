// ABOUTME: Runs conversion tools as subprocesses with bounded concurrency and a timeout
// ABOUTME: Failures return a ConversionError whose diagnostic has scratch paths redacted

package convert

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// MaxDiagnostic bounds the captured tool output.
const MaxDiagnostic = 64 * 1024

// waitDelay bounds how long Run waits for a killed tool's pipes to close.
const waitDelay = 2 * time.Second

// ConversionError reports a tool that exited abnormally or produced no output.
// Diagnostic is the tool's combined output with filesystem paths replaced by
// placeholders.
type ConversionError struct {
	Tool       string
	ExitCode   int
	Diagnostic string
}

func (e *ConversionError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("%s failed with exit code %d", e.Tool, e.ExitCode)
	}
	return fmt.Sprintf("%s failed with exit code %d: %s", e.Tool, e.ExitCode, e.Diagnostic)
}

// Runner executes conversion profiles.
type Runner struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner creates a Runner that allows at most maxConcurrent tools to run
// at once and kills any tool running longer than timeout.
func NewRunner(maxConcurrent int, timeout time.Duration, logger *slog.Logger) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Runner{
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		timeout: timeout,
		logger:  logger,
	}
}

// Convert runs p on input, writing output, and returns the absolute output
// path. Waiting for a free slot honours ctx. On any failure input and output
// are removed; a tool failure is reported as *ConversionError.
func (r *Runner) Convert(ctx context.Context, p *Profile, input, output string) (string, error) {
	// The tool runs inside the input's directory, so relative arguments
	// would resolve twice.
	input, output, err := absPaths(input, output)
	if err != nil {
		return "", err
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		r.discard(input, output)
		return "", fmt.Errorf("waiting for conversion slot: %w", err)
	}
	defer r.sem.Release(1)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var diag limitedBuffer
	cmd := exec.CommandContext(ctx, p.Tool, p.Args(input, output)...)
	cmd.Dir = filepath.Dir(input)
	cmd.Stdout = &diag
	cmd.Stderr = &diag
	cmd.WaitDelay = waitDelay

	started := time.Now()
	r.logger.Debug("running converter", "tool", p.Name, "args", cmd.Args)
	runErr := cmd.Run()
	elapsed := time.Since(started)

	code := 0
	if runErr != nil {
		code = -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code = exitErr.ExitCode()
		}
	}

	exists := fileExists(output)
	accepted := runErr == nil || (code > 0 && slices.Contains(p.acceptExit, code))
	if accepted && exists {
		if code != 0 {
			r.logger.Warn("converter finished with warnings", "tool", p.Name, "exit_code", code)
		}
		r.logger.Info("conversion complete", "tool", p.Name, "duration", elapsed)
		return output, nil
	}

	text := diag.String()
	switch {
	case ctx.Err() != nil:
		text = strings.TrimSpace(text + "\n" + fmt.Sprintf("killed after %s: %v", elapsed.Round(time.Millisecond), ctx.Err()))
	case accepted:
		text = strings.TrimSpace(text + "\nno output file was produced")
	case code == -1:
		text = strings.TrimSpace(text + "\n" + runErr.Error())
	}

	convErr := &ConversionError{
		Tool:       p.Name,
		ExitCode:   code,
		Diagnostic: redact(strings.TrimSpace(text), input, output),
	}
	r.logger.Warn("conversion failed",
		"tool", p.Name,
		"exit_code", code,
		"duration", elapsed,
		"error", convErr.Diagnostic,
	)
	r.discard(input, output)
	return "", convErr
}

func absPaths(input, output string) (string, string, error) {
	absInput, err := filepath.Abs(input)
	if err != nil {
		return "", "", fmt.Errorf("resolving conversion input: %w", err)
	}
	absOutput, err := filepath.Abs(output)
	if err != nil {
		return "", "", fmt.Errorf("resolving conversion output: %w", err)
	}
	return absInput, absOutput, nil
}

// discard removes the input and any partial output.
func (r *Runner) discard(paths ...string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("failed to remove conversion file", "path", path, "error", err)
		}
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// redact replaces transient paths with stable placeholders. The scratch
// directory is only matched as a path prefix.
func redact(text, input, output string) string {
	dir := filepath.Dir(input)
	r := strings.NewReplacer(
		output, "<output>",
		input, "<input>",
		dir+string(filepath.Separator), "<scratch>/",
		filepath.Base(output), "<output>",
		filepath.Base(input), "<input>",
	)
	return r.Replace(text)
}

// limitedBuffer keeps the first MaxDiagnostic bytes written to it.
// os/exec serializes writes when Stdout and Stderr are the same writer.
type limitedBuffer struct {
	buf       []byte
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := MaxDiagnostic - len(b.buf)
	if room <= 0 {
		b.truncated = b.truncated || len(p) > 0
		return len(p), nil
	}
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return string(b.buf) + "\n[output truncated]"
	}
	return string(b.buf)
}
