package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/ccbuild/internal/builder"
)

// progress renders build steps as a progress bar. Command output is printed
// above the bar.
type progress struct {
	mu    sync.Mutex
	out   io.Writer
	bar   *progressbar.ProgressBar
	width int
}

// newProgress returns nil when out is not a terminal.
func newProgress(out *os.File, total int) *progress {
	fd := int(out.Fd())
	if !term.IsTerminal(fd) {
		return nil
	}
	width := 80
	if w, _, err := term.GetSize(fd); err == nil && w > 0 {
		width = w
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(out),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(20),
		progressbar.OptionSetPredictTime(false),
		progressbar.OptionClearOnFinish(),
	)
	return &progress{out: out, bar: bar, width: width}
}

func (p *progress) step(s builder.Step) {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := "done"
	if s.Cached {
		status = "cached"
	}
	// Leave room for the bar and the counter.
	desc := fmt.Sprintf("[%d] %s (%s)", s.Stage, s.Instruction, status)
	p.bar.Describe(ansi.Truncate(firstLine(desc), max(p.width-40, 10), "…"))
	p.bar.Add(1)
}

func (p *progress) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar.Clear()
	n, err := p.out.Write(b)
	p.bar.RenderBlank()
	return n, err
}

func (p *progress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar.Finish()
}

func firstLine(s string) string {
	if line, _, ok := strings.Cut(s, "\n"); ok {
		return line + " ..."
	}
	return s
}
