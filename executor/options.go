package executor

import "time"

// Options for the shell executor
type Options struct {
	// Shell runs commands through ShellPath -c. When false the command is
	// split into words and executed directly.
	Shell bool

	// ShellPath is the interpreter used in shell mode
	ShellPath string

	// MaxOutputBytes caps the captured stdout and stderr, each.
	// Zero or negative means unlimited.
	MaxOutputBytes int

	// WaitDelay bounds how long Run waits for output pipes to close after
	// the process group was killed
	WaitDelay time.Duration

	// Dir is the working directory; empty means the current one
	Dir string

	// Env is appended to the inherited environment
	Env []string
}

// DefaultOptions returns default executor options
func DefaultOptions() Options {
	return Options{
		Shell:          true,
		ShellPath:      "/bin/sh",
		MaxOutputBytes: 64 * 1024,
		WaitDelay:      2 * time.Second,
	}
}
