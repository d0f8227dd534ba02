package ui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/mattn/go-runewidth"

	"github.com/zhubert/olla/internal/stream"
)

// labelWidth is the column reserved for the progress label.
const labelWidth = 28

// ProgressBar draws model pull progress on a single terminal line.
type ProgressBar struct {
	out   io.Writer
	bar   progress.Model
	inTTY bool
	last  string
}

// NewProgressBar writes to out. When tty is false each distinct status is
// printed on its own line and no bar is drawn.
func NewProgressBar(out io.Writer, width int, tty bool) *ProgressBar {
	if width <= 0 {
		width = 40
	}
	return &ProgressBar{
		out:   out,
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(width)),
		inTTY: tty,
	}
}

// Update renders one progress record.
func (p *ProgressBar) Update(pr stream.Progress) {
	line := p.Line(pr)
	if !p.inTTY {
		if line != p.last {
			fmt.Fprintln(p.out, line)
			p.last = line
		}
		return
	}
	fmt.Fprintf(p.out, "\r\033[K%s", line)
	p.last = line
}

// Line formats a progress record without writing it.
func (p *ProgressBar) Line(pr stream.Progress) string {
	label := runewidth.FillRight(runewidth.Truncate(pr.Label(), labelWidth, "..."), labelWidth)
	pct, ok := pr.Percentage()
	if !ok {
		return strings.TrimRight(label, " ")
	}
	if !p.inTTY {
		return fmt.Sprintf("%s %3d%%", label, pct)
	}
	return label + " " + p.bar.ViewAs(float64(pct)/100)
}

// Done ends the progress line.
func (p *ProgressBar) Done() {
	if p.inTTY && p.last != "" {
		fmt.Fprintln(p.out)
	}
	p.last = ""
}
