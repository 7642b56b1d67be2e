package dockerfile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

// Parse parses a Dockerfile from its byte content.
//
// Operands are kept verbatim; ARG and ENV references are expanded later by the
// builder so that build arguments can override defaults.
func Parse(data []byte) (*Dockerfile, error) {
	if err := ValidateDockerfileSize(data); err != nil {
		return nil, err
	}

	p := &parser{
		declared: make(map[string]struct{}),
		result:   &Dockerfile{},
	}

	return p.parse(data)
}

// parser holds state during parsing.
type parser struct {
	declared         map[string]struct{} // ARG/ENV names seen so far
	result           *Dockerfile
	currentStage     *Stage
	instructionCount int
}

var (
	// heredocPattern matches heredoc markers: <<EOF, <<'EOF', <<"EOF", <<-EOF
	heredocPattern = regexp.MustCompile(`<<-?['"]?([A-Za-z_]\w*)['"]?`)

	stageNamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]*$`)
	portPattern      = regexp.MustCompile(`^([0-9]+)(?:-([0-9]+))?(?:/(?:tcp|udp|sctp))?$`)
	argNamePattern   = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

func (p *parser) parse(data []byte) (*Dockerfile, error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineLength)

	lineNum := 0
	var continuation strings.Builder
	continuationStartLine := 0

	var heredocDelimiters []string
	var heredoc strings.Builder
	heredocStartLine := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if len(heredocDelimiters) > 0 {
			heredoc.WriteByte('\n')
			heredoc.WriteString(line)
			if strings.TrimSpace(line) == heredocDelimiters[0] {
				heredocDelimiters = heredocDelimiters[1:]
				if len(heredocDelimiters) == 0 {
					if err := p.parseInstruction(heredoc.String(), heredocStartLine); err != nil {
						return nil, err
					}
					heredoc.Reset()
				}
			}
			continue
		}

		trimmed := strings.TrimRightFunc(line, unicode.IsSpace)

		// Blank and comment lines inside a continuation do not end it.
		if continuation.Len() > 0 {
			stripped := strings.TrimSpace(trimmed)
			if stripped == "" || strings.HasPrefix(stripped, "#") {
				continue
			}
		}

		if strings.HasSuffix(trimmed, "\\") {
			if continuation.Len() == 0 {
				stripped := strings.TrimSpace(trimmed)
				if strings.HasPrefix(stripped, "#") {
					continue
				}
				continuationStartLine = lineNum
			}
			continuation.WriteString(strings.TrimSuffix(trimmed, "\\"))
			continuation.WriteByte(' ')
			continue
		}

		var fullLine string
		effectiveLine := lineNum
		if continuation.Len() > 0 {
			continuation.WriteString(trimmed)
			fullLine = continuation.String()
			effectiveLine = continuationStartLine
			continuation.Reset()
		} else {
			fullLine = trimmed
		}

		stripped := strings.TrimSpace(fullLine)
		if stripped == "" || strings.HasPrefix(stripped, "#") {
			continue
		}

		if delims := findHeredocDelimiters(stripped); len(delims) > 0 {
			heredocDelimiters = delims
			heredoc.Reset()
			heredoc.WriteString(stripped)
			heredocStartLine = effectiveLine
			continue
		}

		if err := p.parseInstruction(stripped, effectiveLine); err != nil {
			return nil, err
		}
	}

	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			return nil, &ParseError{Line: lineNum + 1, Message: "line exceeds maximum length"}
		}
		return nil, &ParseError{Message: "read error: " + err.Error()}
	}

	if len(heredocDelimiters) > 0 {
		return nil, &ParseError{
			Line:    heredocStartLine,
			Message: "unterminated heredoc",
			Hint:    "add a line containing only " + heredocDelimiters[0],
		}
	}

	if continuation.Len() > 0 {
		stripped := strings.TrimSpace(continuation.String())
		if stripped != "" && !strings.HasPrefix(stripped, "#") {
			if err := p.parseInstruction(stripped, continuationStartLine); err != nil {
				return nil, err
			}
		}
	}

	if p.currentStage != nil {
		p.result.Stages = append(p.result.Stages, *p.currentStage)
	}

	if len(p.result.Stages) == 0 {
		return nil, &ParseError{Message: "dockerfile must contain at least one FROM instruction", Err: ErrMissingFrom}
	}

	if err := p.checkStageReferences(); err != nil {
		return nil, err
	}

	return p.result, nil
}

// findHeredocDelimiters extracts heredoc delimiter(s) from a RUN line.
// Returns empty slice if no heredocs found.
func findHeredocDelimiters(line string) []string {
	keyword, _, _ := strings.Cut(line, " ")
	if !strings.EqualFold(keyword, "RUN") {
		return nil
	}
	matches := heredocPattern.FindAllStringSubmatch(line, -1)
	var delimiters []string
	for _, match := range matches {
		if len(match) >= 2 {
			delimiters = append(delimiters, match[1])
		}
	}
	return delimiters
}

func (p *parser) parseInstruction(line string, lineNum int) error {
	p.instructionCount++
	if p.instructionCount > MaxInstructionCount {
		return ErrTooManyInstructions
	}

	keyword, rest := line, ""
	if idx := strings.IndexFunc(line, unicode.IsSpace); idx != -1 {
		keyword = line[:idx]
		rest = strings.TrimSpace(line[idx+1:])
	}

	kind, ok := LookupInstruction(keyword)
	if !ok {
		switch strings.ToUpper(keyword) {
		case "ONBUILD", "HEALTHCHECK":
			return &UnsupportedError{Feature: strings.ToUpper(keyword), Line: lineNum}
		}
		return &ParseError{
			Line:    lineNum,
			Message: "unknown instruction: " + strings.ToUpper(keyword),
		}
	}

	if p.currentStage == nil && kind != InstructionFrom && kind != InstructionArg {
		return &ParseError{Line: lineNum, Message: kind.String() + " must come after FROM"}
	}

	instr := Instruction{
		Kind:     kind,
		Line:     lineNum,
		Original: line,
	}

	var err error
	switch kind {
	case InstructionFrom:
		return p.parseFrom(rest, instr)
	case InstructionRun:
		err = parseRun(rest, &instr)
	case InstructionCopy, InstructionAdd:
		err = parseCopy(rest, &instr)
	case InstructionEnv:
		err = p.parseEnv(rest, &instr)
	case InstructionArg:
		return p.parseArg(rest, instr)
	case InstructionLabel:
		err = parseLabel(rest, &instr)
	case InstructionExpose:
		err = parseExpose(rest, &instr)
	case InstructionCmd, InstructionEntrypoint:
		err = parseCommand(rest, &instr)
	case InstructionShell:
		err = parseShell(rest, &instr)
	case InstructionVolume:
		err = parseVolume(rest, &instr)
	case InstructionWorkDir, InstructionMaintainer:
		err = parseRestOfLine(rest, &instr)
	case InstructionUser, InstructionStopSignal:
		err = parseSingleWord(rest, &instr)
	}
	if err != nil {
		return err
	}

	p.append(instr)
	return nil
}

func (p *parser) append(instr Instruction) {
	p.result.Instructions = append(p.result.Instructions, instr)
	if p.currentStage != nil && instr.Kind != InstructionFrom {
		p.currentStage.Instructions = append(p.currentStage.Instructions, instr)
	}
}

func (p *parser) declare(name string) error {
	p.declared[name] = struct{}{}
	if len(p.declared) > MaxVariableCount {
		return ErrTooManyVariables
	}
	return nil
}

func (p *parser) parseFrom(rest string, instr Instruction) error {
	lineNum := instr.Line
	flags := make(map[string]string)
	rest = parseFlags(rest, flags)
	for name := range flags {
		if name != "platform" {
			return parseErrorf(lineNum, "unknown flag for FROM: --%s", name)
		}
	}

	parts := strings.Fields(rest)
	var alias string
	switch {
	case len(parts) == 1:
	case len(parts) == 3 && strings.EqualFold(parts[1], "AS"):
		alias = parts[2]
		if !stageNamePattern.MatchString(alias) {
			return parseErrorf(lineNum, "invalid stage name %q", alias)
		}
		for _, s := range p.result.Stages {
			if strings.EqualFold(s.Name, alias) {
				return parseErrorf(lineNum, "duplicate stage name %q", alias)
			}
		}
		if p.currentStage != nil && strings.EqualFold(p.currentStage.Name, alias) {
			return parseErrorf(lineNum, "duplicate stage name %q", alias)
		}
	case len(parts) == 0:
		return &ParseError{Line: lineNum, Message: "FROM requires an image argument"}
	default:
		return &ParseError{
			Line:    lineNum,
			Message: "FROM accepts an image and an optional stage name",
			Hint:    "use FROM image[:tag] [AS name]",
		}
	}

	if p.currentStage != nil {
		p.result.Stages = append(p.result.Stages, *p.currentStage)
	}

	if len(flags) > 0 {
		instr.Flags = flags
	}
	instr.Args = []string{parts[0]}
	if alias != "" {
		instr.Args = append(instr.Args, "AS", alias)
	}

	p.currentStage = &Stage{
		Index: len(p.result.Stages),
		Name:  alias,
		From: FromInstruction{
			ImageTemplate: parts[0],
			Alias:         alias,
			Platform:      flags["platform"],
			Line:          lineNum,
		},
	}
	p.append(instr)
	return nil
}

func parseRun(rest string, instr *Instruction) error {
	flags := make(map[string]string)
	rest = parseFlags(rest, flags)
	if len(flags) > 0 {
		names := slices.Sorted(maps.Keys(flags))
		return &UnsupportedError{Feature: "RUN --" + names[0], Line: instr.Line}
	}

	// Shell variables like $PATH are left for the shell; ARG references are
	// expanded at build time.
	args, isExec := parseExecOrShellForm(rest)
	if len(args) == 0 {
		return &ParseError{Line: instr.Line, Message: "RUN requires a command"}
	}
	instr.Args = args
	instr.ExecForm = isExec
	return nil
}

func parseCopy(rest string, instr *Instruction) error {
	flags := make(map[string]string)
	rest = parseFlags(rest, flags)
	for name := range flags {
		switch name {
		case "chown", "chmod":
		case "from":
			if instr.Kind == InstructionAdd {
				return parseErrorf(instr.Line, "ADD does not support --from")
			}
			if flags[name] == "" {
				return parseErrorf(instr.Line, "COPY --from requires a stage name or index")
			}
		default:
			return parseErrorf(instr.Line, "unknown flag for %s: --%s", instr.Kind, name)
		}
	}
	if mode, ok := flags["chmod"]; ok {
		if _, err := strconv.ParseUint(mode, 8, 32); err != nil {
			return parseErrorf(instr.Line, "invalid --chmod value %q", mode)
		}
	}

	args := parseSpaceSeparatedOrExec(rest)
	if len(args) < 2 {
		return parseErrorf(instr.Line, "%s requires source and destination", instr.Kind)
	}

	if instr.Kind == InstructionAdd {
		for _, src := range args[:len(args)-1] {
			if strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://") {
				return &UnsupportedError{Feature: "ADD with URLs", Line: instr.Line}
			}
		}
	}

	if len(flags) > 0 {
		instr.Flags = flags
	}
	instr.Args = args
	return nil
}

func (p *parser) parseEnv(rest string, instr *Instruction) error {
	kvs, err := parseKeyValues(rest)
	if err != nil {
		return &ParseError{Line: instr.Line, Message: err.Error()}
	}
	if len(kvs) == 0 {
		return &ParseError{Line: instr.Line, Message: "ENV requires at least one KEY=VALUE pair"}
	}

	for _, kv := range kvs {
		if kv.Key == "" {
			return &ParseError{Line: instr.Line, Message: "ENV names can not be blank"}
		}
		if err := p.declare(kv.Key); err != nil {
			return err
		}
		instr.Args = append(instr.Args, kv.Key+"="+kv.Value)
	}
	return nil
}

func (p *parser) parseArg(rest string, instr Instruction) error {
	if rest == "" {
		return &ParseError{Line: instr.Line, Message: "ARG requires a name"}
	}

	var kv KeyValue
	if strings.Contains(rest, "=") {
		kvs, err := parseKeyValues(rest)
		if err != nil {
			return &ParseError{Line: instr.Line, Message: err.Error()}
		}
		if len(kvs) != 1 {
			return &ParseError{Line: instr.Line, Message: "ARG requires exactly one NAME[=default]"}
		}
		kv = kvs[0]
		kv.HasValue = true
	} else {
		if fields := strings.Fields(rest); len(fields) != 1 {
			return &ParseError{Line: instr.Line, Message: "ARG requires exactly one NAME[=default]"}
		}
		kv = KeyValue{Key: rest}
	}

	if !argNamePattern.MatchString(kv.Key) {
		return parseErrorf(instr.Line, "invalid ARG name %q", kv.Key)
	}
	if err := p.declare(kv.Key); err != nil {
		return err
	}

	if kv.HasValue {
		instr.Args = []string{kv.Key + "=" + kv.Value}
	} else {
		instr.Args = []string{kv.Key}
	}

	if p.currentStage == nil {
		p.result.Args = append(p.result.Args, kv)
	}
	p.append(instr)
	return nil
}

func parseLabel(rest string, instr *Instruction) error {
	kvs, err := parseKeyValues(rest)
	if err != nil {
		return &ParseError{Line: instr.Line, Message: err.Error()}
	}
	if len(kvs) == 0 {
		return &ParseError{Line: instr.Line, Message: "LABEL requires at least one KEY=VALUE pair"}
	}
	for _, kv := range kvs {
		if kv.Key == "" {
			return &ParseError{Line: instr.Line, Message: "LABEL names can not be blank"}
		}
		instr.Args = append(instr.Args, kv.Key+"="+kv.Value)
	}
	return nil
}

func parseExpose(rest string, instr *Instruction) error {
	parts := strings.Fields(rest)
	if len(parts) == 0 {
		return &ParseError{Line: instr.Line, Message: "EXPOSE requires at least one port"}
	}
	for _, port := range parts {
		if strings.Contains(port, "$") {
			continue
		}
		if !validPort(port) {
			return parseErrorf(instr.Line, "invalid port %q", port)
		}
	}
	instr.Args = parts
	return nil
}

// validPort reports whether spec is a port or ascending port range in
// 1-65535 with an optional protocol.
func validPort(spec string) bool {
	m := portPattern.FindStringSubmatch(strings.ToLower(spec))
	if m == nil {
		return false
	}
	start, err := strconv.ParseUint(m[1], 10, 16)
	if err != nil || start == 0 {
		return false
	}
	if m[2] == "" {
		return true
	}
	end, err := strconv.ParseUint(m[2], 10, 16)
	return err == nil && end >= start
}

func parseCommand(rest string, instr *Instruction) error {
	args, isExec := parseExecOrShellForm(rest)
	if !isExec && len(args) == 0 {
		return parseErrorf(instr.Line, "%s requires a command", instr.Kind)
	}
	instr.Args = args
	instr.ExecForm = isExec
	return nil
}

func parseShell(rest string, instr *Instruction) error {
	args, isExec := parseExecOrShellForm(rest)
	if !isExec || len(args) == 0 {
		return &ParseError{
			Line:    instr.Line,
			Message: "SHELL must use exec form",
			Hint:    `SHELL ["executable", "arg", ...]`,
		}
	}
	instr.Args = args
	instr.ExecForm = true
	return nil
}

func parseVolume(rest string, instr *Instruction) error {
	if strings.HasPrefix(rest, "[") {
		var args []string
		if err := json.Unmarshal([]byte(rest), &args); err == nil {
			if len(args) == 0 {
				return &ParseError{Line: instr.Line, Message: "VOLUME requires at least one path"}
			}
			instr.Args = args
			instr.ExecForm = true
			return nil
		}
	}
	parts := strings.Fields(rest)
	if len(parts) == 0 {
		return &ParseError{Line: instr.Line, Message: "VOLUME requires at least one path"}
	}
	instr.Args = parts
	return nil
}

func parseRestOfLine(rest string, instr *Instruction) error {
	if rest == "" {
		return parseErrorf(instr.Line, "%s requires an argument", instr.Kind)
	}
	instr.Args = []string{rest}
	return nil
}

func parseSingleWord(rest string, instr *Instruction) error {
	parts := strings.Fields(rest)
	if len(parts) != 1 {
		return parseErrorf(instr.Line, "%s requires exactly one argument", instr.Kind)
	}
	instr.Args = parts
	return nil
}

// checkStageReferences rejects COPY --from references to the current or a
// later stage. Names that are not stages are treated as image references.
func (p *parser) checkStageReferences() error {
	df := p.result
	for i := range df.Stages {
		stage := &df.Stages[i]
		for _, instr := range stage.Instructions {
			from, ok := instr.Flag("from")
			if !ok {
				continue
			}
			if n, err := strconv.Atoi(from); err == nil {
				if n >= stage.Index {
					return parseErrorf(instr.Line, "COPY --from=%d refers to the current or a later stage", n)
				}
				continue
			}
			if ref, ok := df.StageByRef(from); ok && ref.Index >= stage.Index {
				return parseErrorf(instr.Line, "COPY --from=%s refers to the current or a later stage", from)
			}
		}
	}
	return nil
}

// parseFlags extracts --key=value flags from the beginning of a string.
// Returns the remaining string after flags.
func parseFlags(s string, flags map[string]string) string {
	for {
		s = strings.TrimSpace(s)
		if !strings.HasPrefix(s, "--") {
			break
		}

		var flag string
		if spaceIdx := strings.IndexFunc(s, unicode.IsSpace); spaceIdx == -1 {
			flag = s
			s = ""
		} else {
			flag = s[:spaceIdx]
			s = s[spaceIdx+1:]
		}

		flag = strings.TrimPrefix(flag, "--")
		key, value, _ := strings.Cut(flag, "=")
		flags[key] = value
	}

	return s
}

// parseExecOrShellForm parses either exec form ["cmd", "arg"] or shell form "cmd arg".
// For shell form, returns the entire string as a single argument (to be wrapped with shell).
func parseExecOrShellForm(s string) ([]string, bool) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "[") {
		var args []string
		if err := json.Unmarshal([]byte(s), &args); err == nil {
			if args == nil {
				args = []string{}
			}
			return args, true
		}
	}

	if s != "" {
		return []string{s}, false
	}
	return nil, false
}

// parseSpaceSeparatedOrExec parses either exec form ["a", "b"] or space-separated "a b c".
// Used for COPY/ADD where arguments are not wrapped in a shell.
func parseSpaceSeparatedOrExec(s string) []string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "[") {
		var args []string
		if err := json.Unmarshal([]byte(s), &args); err == nil {
			return args
		}
	}

	return strings.Fields(s)
}

// parseKeyValues parses KEY=VALUE pairs (for ENV, LABEL, ARG).
// Supports both "KEY VALUE" (legacy) and "KEY=VALUE KEY2=VALUE2" forms.
// Double-quoted values may escape '"' and '\' with a backslash.
func parseKeyValues(s string) ([]KeyValue, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	firstSpace := strings.IndexFunc(s, unicode.IsSpace)
	firstEq := strings.Index(s, "=")

	if firstEq == -1 || (firstSpace != -1 && firstSpace < firstEq) {
		// Legacy form: KEY VALUE
		if firstSpace == -1 {
			return nil, errMissingValue(s)
		}
		key := s[:firstSpace]
		value := strings.TrimSpace(s[firstSpace+1:])
		return []KeyValue{{Key: key, Value: value, HasValue: true}}, nil
	}

	var result []KeyValue
	for {
		s = strings.TrimLeftFunc(s, unicode.IsSpace)
		if s == "" {
			break
		}

		eqIdx := strings.Index(s, "=")
		spaceIdx := strings.IndexFunc(s, unicode.IsSpace)
		if eqIdx == -1 || (spaceIdx != -1 && spaceIdx < eqIdx) {
			word := s
			if spaceIdx != -1 {
				word = s[:spaceIdx]
			}
			return nil, errMissingValue(word)
		}

		key := s[:eqIdx]
		s = s[eqIdx+1:]

		var value string
		switch {
		case strings.HasPrefix(s, `"`):
			end := findClosingQuote(s[1:])
			if end == -1 {
				return nil, errUnterminatedQuote(key)
			}
			value = unescapeQuoted(s[1 : end+1])
			s = s[end+2:]
		case strings.HasPrefix(s, "'"):
			end := strings.Index(s[1:], "'")
			if end == -1 {
				return nil, errUnterminatedQuote(key)
			}
			value = s[1 : end+1]
			s = s[end+2:]
		default:
			if idx := strings.IndexFunc(s, unicode.IsSpace); idx == -1 {
				value = s
				s = ""
			} else {
				value = s[:idx]
				s = s[idx:]
			}
		}

		result = append(result, KeyValue{Key: key, Value: value, HasValue: true})
	}

	return result, nil
}

type keyValueError string

func (e keyValueError) Error() string { return string(e) }

func errMissingValue(word string) error {
	return keyValueError("missing '=' in " + strconv.Quote(word))
}

func errUnterminatedQuote(key string) error {
	return keyValueError("unterminated quote in value of " + strconv.Quote(key))
}

// findClosingQuote finds the index of the closing " in a string, handling escapes.
func findClosingQuote(s string) int {
	escaped := false
	for i := 0; i < len(s); i++ {
		if escaped {
			escaped = false
			continue
		}
		if s[i] == '\\' {
			escaped = true
			continue
		}
		if s[i] == '"' {
			return i
		}
	}
	return -1
}

func unescapeQuoted(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) && (s[i+1] == '"' || s[i+1] == '\\') {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
