package dockerfile

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"strings"
)

// Format serializes a parsed Dockerfile back to text. Comments and original
// line layout are not preserved; instruction order, operands and flags are.
func Format(df *Dockerfile) string {
	var b strings.Builder
	for i, instr := range df.Instructions {
		if instr.Kind == InstructionFrom && i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(FormatInstruction(instr))
		b.WriteByte('\n')
	}
	return b.String()
}

// FormatInstruction serializes one instruction on a single logical line.
// Heredoc bodies in RUN keep their embedded newlines.
func FormatInstruction(instr Instruction) string {
	var b strings.Builder
	b.WriteString(instr.Kind.String())

	for _, name := range slices.Sorted(maps.Keys(instr.Flags)) {
		b.WriteString(" --")
		b.WriteString(name)
		if v := instr.Flags[name]; v != "" {
			b.WriteByte('=')
			b.WriteString(v)
		}
	}

	switch instr.Kind {
	case InstructionRun, InstructionCmd, InstructionEntrypoint, InstructionShell, InstructionVolume:
		if instr.ExecForm {
			b.WriteByte(' ')
			b.WriteString(jsonArray(instr.Args))
		} else {
			for _, arg := range instr.Args {
				b.WriteByte(' ')
				b.WriteString(arg)
			}
		}
	case InstructionCopy, InstructionAdd:
		if slices.ContainsFunc(instr.Args, needsJSON) {
			b.WriteByte(' ')
			b.WriteString(jsonArray(instr.Args))
		} else {
			b.WriteByte(' ')
			b.WriteString(strings.Join(instr.Args, " "))
		}
	case InstructionEnv, InstructionLabel, InstructionArg:
		for _, arg := range instr.Args {
			kv := SplitKeyValue(arg)
			b.WriteByte(' ')
			b.WriteString(kv.Key)
			if kv.HasValue {
				b.WriteByte('=')
				b.WriteString(quoteValue(kv.Value))
			}
		}
	default:
		for _, arg := range instr.Args {
			b.WriteByte(' ')
			b.WriteString(arg)
		}
	}
	return b.String()
}

func jsonArray(args []string) string {
	if args == nil {
		args = []string{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(args)
	return strings.TrimSuffix(buf.String(), "\n")
}

// needsJSON reports whether a COPY/ADD operand must be written in JSON form
// to be read back unchanged.
func needsJSON(s string) bool {
	return s == "" || strings.ContainsAny(s, " \t\n\"\\") ||
		strings.HasPrefix(s, "[") || strings.HasPrefix(s, "-")
}

// quoteValue double-quotes a key=value operand when it would not survive
// unquoted parsing.
func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n\"'\\") {
		return v
	}
	if v == "" {
		return `""`
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(v); i++ {
		if v[i] == '"' || v[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(v[i])
	}
	b.WriteByte('"')
	return b.String()
}
