package dockerfile

import (
	"path"
	"strings"
)

const (
	MaxDockerfileSize    = 1 << 20
	MaxLineLength        = 1 << 20
	MaxInstructionCount  = 1000
	MaxVariableCount     = 100
	MaxVariableExpansion = 10
)

// ValidateDockerfileSize checks that the input doesn't exceed the maximum size.
func ValidateDockerfileSize(data []byte) error {
	if len(data) > MaxDockerfileSize {
		return ErrDockerfileTooLarge
	}
	return nil
}

// ValidatePath checks that a COPY/ADD source stays within the context root
// and returns its cleaned, slash-separated form relative to the root.
// Absolute sources are interpreted relative to the context root.
func ValidatePath(p string) (string, error) {
	if strings.Contains(p, "\x00") {
		return "", &ParseError{Message: "path contains null byte"}
	}

	cleaned := path.Clean(p)
	if path.IsAbs(cleaned) {
		cleaned = strings.TrimPrefix(cleaned, "/")
		if cleaned == "" {
			cleaned = "."
		}
	}

	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", &PathTraversalError{Path: p}
	}
	return cleaned, nil
}

// ValidateDestPath validates a destination path inside the image.
func ValidateDestPath(p string) error {
	if strings.Contains(p, "\x00") {
		return &ParseError{Message: "destination path contains null byte"}
	}
	return nil
}
