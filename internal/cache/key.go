// Package cache maps build steps to the layers they produced.
//
// Each step is identified by a chain key derived from its parent's key and a
// normalized form of the instruction, so a change to any step changes the key
// of every step after it.
package cache

import (
	"strings"

	"github.com/opencontainers/go-digest"
)

// ScratchKey is the chain key of an empty base.
var ScratchKey = ChainKey("", "FROM scratch")

// ChainKey derives the key of a step from its parent key and the normalized
// instruction. The result identifies the state after applying the step.
func ChainKey(parent digest.Digest, instruction string) digest.Digest {
	d := digest.Canonical.Digester()
	h := d.Hash()
	h.Write([]byte(parent))
	h.Write([]byte{0})
	h.Write([]byte(instruction))
	return d.Digest()
}

// BaseKey returns the chain key of a FROM step that starts from an image.
func BaseKey(manifest digest.Digest, platform string) digest.Digest {
	return ChainKey("", "FROM "+manifest.String()+" "+platform)
}

// Normalize joins the parts of an instruction into the string hashed by
// ChainKey. Parts are separated by NUL so that operand boundaries matter.
func Normalize(kind string, parts ...string) string {
	var b strings.Builder
	b.WriteString(kind)
	for _, p := range parts {
		b.WriteByte(0)
		b.WriteString(p)
	}
	return b.String()
}
