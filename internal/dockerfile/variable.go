package dockerfile

import (
	"fmt"
	"strings"
)

// Lookup resolves a variable name. ok is false when the variable is unset.
type Lookup func(name string) (value string, ok bool)

// MapLookup adapts a map to a Lookup.
func MapLookup(vars map[string]string) Lookup {
	return func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	}
}

// ExpandVariables expands variables in a string using the provided map.
// Unset variables expand to the empty string.
func ExpandVariables(s string, vars map[string]string) (string, error) {
	return Expand(s, MapLookup(vars))
}

// Expand expands variable references in s.
//
// Supported forms: $VAR, ${VAR}, ${VAR:-default}, ${VAR-default},
// ${VAR:+alternate}, ${VAR+alternate} and ${VAR:?message}.
// "$$" and "\$" produce a literal '$'.
func Expand(s string, lookup Lookup) (string, error) {
	return expand(s, lookup, 0)
}

func expand(s string, lookup Lookup, depth int) (string, error) {
	if depth > MaxVariableExpansion {
		return "", ErrVariableExpansionLoop
	}
	if !strings.ContainsRune(s, '$') {
		return s, nil
	}

	var result strings.Builder
	result.Grow(len(s))

	for i := 0; i < len(s); {
		c := s[i]
		if c == '\\' && i+1 < len(s) && s[i+1] == '$' {
			result.WriteByte('$')
			i += 2
			continue
		}
		if c != '$' || i+1 >= len(s) {
			result.WriteByte(c)
			i++
			continue
		}

		next := s[i+1]
		switch {
		case next == '$':
			result.WriteByte('$')
			i += 2

		case next == '{':
			end := matchingBrace(s, i+2)
			if end == -1 {
				// Unclosed brace, treat as literal
				result.WriteByte('$')
				i++
				continue
			}
			expanded, err := expandBraceExpr(s[i+2:end], lookup, depth)
			if err != nil {
				return "", err
			}
			result.WriteString(expanded)
			i = end + 1

		case isVarStart(next):
			j := i + 1
			for j < len(s) && isVarChar(s[j]) {
				j++
			}
			if val, ok := lookup(s[i+1 : j]); ok {
				result.WriteString(val)
			}
			i = j

		default:
			result.WriteByte('$')
			i++
		}
	}

	return result.String(), nil
}

// matchingBrace returns the index of the '}' closing a "${" whose body starts
// at start, honoring nested "${...}".
func matchingBrace(s string, start int) int {
	nested := 0
	for i := start; i < len(s); i++ {
		switch {
		case s[i] == '$' && i+1 < len(s) && s[i+1] == '{':
			nested++
			i++
		case s[i] == '}':
			if nested == 0 {
				return i
			}
			nested--
		}
	}
	return -1
}

// expandBraceExpr expands the body of a ${...} expression.
func expandBraceExpr(expr string, lookup Lookup, depth int) (string, error) {
	nameEnd := 0
	for nameEnd < len(expr) && isVarChar(expr[nameEnd]) {
		nameEnd++
	}
	name := expr[:nameEnd]
	op := expr[nameEnd:]

	val, set := lookup(name)
	if op == "" {
		return val, nil
	}

	colon := strings.HasPrefix(op, ":")
	if colon {
		op = op[1:]
	}
	if op == "" {
		return val, nil
	}

	// With a colon, an empty value counts as unset.
	present := set
	if colon {
		present = set && val != ""
	}
	word := op[1:]

	switch op[0] {
	case '-':
		if present {
			return val, nil
		}
		return expand(word, lookup, depth+1)
	case '+':
		if present {
			return expand(word, lookup, depth+1)
		}
		return "", nil
	case '?':
		if present {
			return val, nil
		}
		msg, err := expand(word, lookup, depth+1)
		if err != nil {
			return "", err
		}
		if msg == "" {
			msg = "parameter not set"
		}
		return "", fmt.Errorf("%s: %s", name, msg)
	default:
		return val, nil
	}
}

func isVarStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

// isVarChar returns true if c is valid in a variable name.
func isVarChar(c byte) bool {
	return isVarStart(c) || (c >= '0' && c <= '9')
}
