package builder

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tinyrange/ccbuild/internal/oci"
)

// ErrCopySourceMissing is matched by *CopySourceMissingError.
var ErrCopySourceMissing = errors.New("copy source not found")

// BuildError represents an error while building a parsed Dockerfile.
type BuildError struct {
	Op      string // Instruction that failed (e.g., "COPY", "RUN")
	Line    int    // Line number
	Message string // Error description
	Err     error  // Underlying error
}

func (e *BuildError) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg += ": " + e.Err.Error()
		}
	}
	if e.Line > 0 {
		return fmt.Sprintf("%s (line %d): %s", e.Op, e.Line, msg)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// BaseImageNotFoundError is returned when FROM names an image that is not in
// the store.
type BaseImageNotFoundError struct {
	Ref  string
	Line int
	Err  error
}

func (e *BaseImageNotFoundError) Error() string {
	return fmt.Sprintf("FROM (line %d): base image %s not found", e.Line, e.Ref)
}

func (e *BaseImageNotFoundError) Unwrap() error {
	if e.Err == nil {
		return oci.ErrImageNotFound
	}
	return e.Err
}

// ExecutionError reports a RUN command that exited with a non-zero status.
type ExecutionError struct {
	Line     int
	Command  []string
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("RUN (line %d): %s: exit code %d", e.Line, strings.Join(e.Command, " "), e.ExitCode)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// CopySourceMissingError is returned when a COPY or ADD source matches no
// file.
type CopySourceMissingError struct {
	Op     string
	Source string
	Line   int
}

func (e *CopySourceMissingError) Error() string {
	return fmt.Sprintf("%s (line %d): source %q not found", e.Op, e.Line, e.Source)
}

func (e *CopySourceMissingError) Is(target error) bool {
	return target == ErrCopySourceMissing
}
