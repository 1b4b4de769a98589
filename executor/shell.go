// Package executor runs job commands as child processes.
package executor

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BranchIntl/queuectl/errors"
	"github.com/BranchIntl/queuectl/job"
	"github.com/google/shlex"
)

// Shell runs commands in their own process group and kills the whole group
// when the timeout expires.
type Shell struct {
	options Options
}

// NewShell creates a new shell executor
func NewShell(options Options) *Shell {
	if options.ShellPath == "" {
		options.ShellPath = "/bin/sh"
	}
	return &Shell{options: options}
}

// Run executes command and waits for it. A non-zero exit is reported in the
// result with a nil error.
func (s *Shell) Run(ctx context.Context, command string, timeout time.Duration) (job.Result, error) {
	argv, err := s.argv(command)
	if err != nil {
		return job.Result{}, err
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stdout := &limitedBuffer{max: s.options.MaxOutputBytes}
	stderr := &limitedBuffer{max: s.options.MaxOutputBytes}

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Dir = s.options.Dir
	if len(s.options.Env) > 0 {
		cmd.Env = append(os.Environ(), s.options.Env...)
	}
	cmd.WaitDelay = s.options.WaitDelay
	setProcessGroup(cmd)

	start := time.Now()
	runErr := cmd.Run()
	result := job.Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr == nil {
		code := 0
		result.ExitCode = &code
		return result, nil
	}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if stderrors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return result, errors.NewTimeoutError(command, timeout)
	}

	var exitErr *exec.ExitError
	if stderrors.As(runErr, &exitErr) {
		code := exitErr.ExitCode()
		result.ExitCode = &code
		return result, nil
	}
	return result, fmt.Errorf("start command: %w", runErr)
}

func (s *Shell) argv(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, errors.ErrEmptyCommand
	}
	if s.options.Shell {
		return []string{s.options.ShellPath, "-c", command}, nil
	}

	words, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse command: %w", err)
	}
	if len(words) == 0 {
		return nil, errors.ErrEmptyCommand
	}
	return words, nil
}

// limitedBuffer keeps the first max bytes written and drops the rest while
// still reporting full writes, so the child never blocks on a full pipe.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.max > 0 {
		room := b.max - b.buf.Len()
		if room <= 0 {
			b.truncated = b.truncated || n > 0
			return n, nil
		}
		if len(p) > room {
			p = p[:room]
			b.truncated = true
		}
	}
	b.buf.Write(p)
	return n, nil
}

// String returns the captured output. A cut that split a multi-byte
// character drops the partial bytes.
func (b *limitedBuffer) String() string {
	if b.truncated {
		return string(trimPartialRune(b.buf.Bytes())) + "\n[output truncated]"
	}
	return b.buf.String()
}

// trimPartialRune drops an incomplete UTF-8 sequence from the end of p
func trimPartialRune(p []byte) []byte {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if utf8.RuneStart(p[i]) {
			if !utf8.FullRune(p[i:]) {
				return p[:i]
			}
			return p
		}
	}
	return p
}
