package dockerfile

import (
	"strconv"
	"strings"
)

// InstructionKind identifies the type of Dockerfile instruction.
type InstructionKind int

const (
	InstructionFrom InstructionKind = iota
	InstructionRun
	InstructionCopy
	InstructionAdd
	InstructionEnv
	InstructionWorkDir
	InstructionArg
	InstructionLabel
	InstructionUser
	InstructionExpose
	InstructionCmd
	InstructionEntrypoint
	InstructionShell
	InstructionStopSignal
	InstructionVolume
	InstructionMaintainer
)

var instructionNames = map[InstructionKind]string{
	InstructionFrom:       "FROM",
	InstructionRun:        "RUN",
	InstructionCopy:       "COPY",
	InstructionAdd:        "ADD",
	InstructionEnv:        "ENV",
	InstructionWorkDir:    "WORKDIR",
	InstructionArg:        "ARG",
	InstructionLabel:      "LABEL",
	InstructionUser:       "USER",
	InstructionExpose:     "EXPOSE",
	InstructionCmd:        "CMD",
	InstructionEntrypoint: "ENTRYPOINT",
	InstructionShell:      "SHELL",
	InstructionStopSignal: "STOPSIGNAL",
	InstructionVolume:     "VOLUME",
	InstructionMaintainer: "MAINTAINER",
}

func (k InstructionKind) String() string {
	if name, ok := instructionNames[k]; ok {
		return name
	}
	return "UNKNOWN"
}

// LookupInstruction returns the kind for a keyword. Keywords are case-insensitive.
func LookupInstruction(keyword string) (InstructionKind, bool) {
	keyword = strings.ToUpper(keyword)
	for kind, name := range instructionNames {
		if name == keyword {
			return kind, true
		}
	}
	return 0, false
}

// ModifiesFilesystem reports whether instructions of this kind produce a layer.
func (k InstructionKind) ModifiesFilesystem() bool {
	switch k {
	case InstructionRun, InstructionCopy, InstructionAdd:
		return true
	default:
		return false
	}
}

// Instruction represents a single parsed Dockerfile instruction.
//
// Args hold the operands exactly as written (after quote removal for
// key=value pairs and JSON decoding for exec form). Variable references are
// left in place and expanded by the builder.
type Instruction struct {
	Kind     InstructionKind
	Line     int               // Source line number (1-indexed)
	Original string            // Original instruction text
	Args     []string          // Parsed arguments
	Flags    map[string]string // Flags like --from, --chown, etc.
	ExecForm bool              // JSON array form for RUN, CMD, ENTRYPOINT, SHELL, VOLUME
}

// Flag returns the value of a flag and whether it was given.
func (i Instruction) Flag(name string) (string, bool) {
	v, ok := i.Flags[name]
	return v, ok
}

// FromInstruction holds parsed FROM instruction details.
type FromInstruction struct {
	ImageTemplate string // Image reference as written (may contain $VAR)
	Alias         string // Stage alias from "AS name"
	Platform      string // Platform from --platform flag
	Line          int
}

// KeyValue represents a key-value pair (for ARG, ENV, LABEL).
type KeyValue struct {
	Key   string
	Value string
	// HasValue is false for "ARG NAME" without a default.
	HasValue bool
}

// Stage represents a build stage in a Dockerfile.
type Stage struct {
	Index        int
	Name         string // Stage name from "AS name" (empty if unnamed)
	From         FromInstruction
	Instructions []Instruction
}

// Ref returns the name other stages use to reference this stage.
func (s *Stage) Ref() string {
	if s.Name != "" {
		return s.Name
	}
	return strconv.Itoa(s.Index)
}

// Dockerfile represents a complete parsed Dockerfile.
type Dockerfile struct {
	// Instructions holds every instruction in document order, including
	// FROM and global ARGs.
	Instructions []Instruction
	Stages       []Stage    // Build stages (at least one)
	Args         []KeyValue // Global ARGs declared before first FROM
}

// StageByRef finds a stage by alias or numeric index.
func (df *Dockerfile) StageByRef(ref string) (*Stage, bool) {
	lower := strings.ToLower(ref)
	for i := range df.Stages {
		if df.Stages[i].Name != "" && strings.ToLower(df.Stages[i].Name) == lower {
			return &df.Stages[i], true
		}
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 0 && n < len(df.Stages) {
		return &df.Stages[n], true
	}
	return nil, false
}

// DefaultShell returns the default shell used for shell-form commands.
func DefaultShell() []string {
	return []string{"/bin/sh", "-c"}
}

// SplitKeyValue splits a "KEY=VALUE" operand.
func SplitKeyValue(s string) KeyValue {
	key, value, ok := strings.Cut(s, "=")
	return KeyValue{Key: key, Value: value, HasValue: ok}
}
