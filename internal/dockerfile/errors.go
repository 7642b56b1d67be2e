package dockerfile

import (
	"errors"
	"fmt"
)

var (
	ErrParse                  = errors.New("dockerfile parse error")
	ErrMissingFrom            = errors.New("no FROM instruction")
	ErrUnsupportedInstruction = errors.New("unsupported instruction")
	ErrPathTraversal          = errors.New("path escapes build context")

	// Limits enforced while parsing and expanding.
	ErrDockerfileTooLarge    = errors.New("dockerfile exceeds maximum size")
	ErrTooManyInstructions   = errors.New("dockerfile exceeds maximum instruction count")
	ErrTooManyVariables      = errors.New("dockerfile exceeds maximum variable count")
	ErrVariableExpansionLoop = errors.New("variable expansion loop or depth exceeded")
)

// atLine prefixes msg with the 1-indexed source line when known.
func atLine(line int, msg string) string {
	if line > 0 {
		return fmt.Sprintf("line %d: %s", line, msg)
	}
	return msg
}

// ParseError reports malformed input. It matches ErrParse and, when Err is
// set, the error it wraps.
type ParseError struct {
	Line    int
	Message string
	Hint    string
	Err     error
}

func (e *ParseError) Error() string {
	msg := e.Message
	if e.Hint != "" {
		msg += " (hint: " + e.Hint + ")"
	}
	return atLine(e.Line, msg)
}

func (e *ParseError) Unwrap() error { return e.Err }

func (e *ParseError) Is(target error) bool { return target == ErrParse }

func parseErrorf(line int, format string, args ...any) *ParseError {
	return &ParseError{Line: line, Message: fmt.Sprintf(format, args...)}
}

// UnsupportedError is returned for instructions and forms that are
// recognised but not implemented, such as HEALTHCHECK or ADD <url>.
type UnsupportedError struct {
	Feature string
	Line    int
}

func (e *UnsupportedError) Error() string {
	return atLine(e.Line, "unsupported feature: "+e.Feature)
}

func (e *UnsupportedError) Is(target error) bool { return target == ErrUnsupportedInstruction }

// PathTraversalError is returned for COPY/ADD sources outside the context.
type PathTraversalError struct {
	Path string
	Line int
}

func (e *PathTraversalError) Error() string {
	return atLine(e.Line, fmt.Sprintf("path %q escapes build context", e.Path))
}

func (e *PathTraversalError) Is(target error) bool { return target == ErrPathTraversal }
