package terminal

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mattn/go-runewidth"
)

// Widther reports how many columns a surface shows. ok is false when the
// surface has no fixed width.
type Widther interface {
	Width() (cols int, ok bool)
}

// lines renders spawn progress messages, which arrive without line breaks,
// one per line with the latest percentage in front.
type lines struct {
	mu    sync.Mutex
	next  Sink
	width Widther
	pct   float64
	has   bool
}

// LinesOption configures Lines.
type LinesOption func(*lines)

// FitTo truncates each line to the width w reports, so a long message does
// not wrap and push the percentage out of the left column.
func FitTo(w Widther) LinesOption {
	return func(l *lines) { l.width = w }
}

// Lines wraps next so every non-empty message becomes its own line,
// prefixed with the most recent SetProgress value.
func Lines(next Sink, opts ...LinesOption) Sink {
	l := &lines{next: next}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *lines) Append(text string) {
	if text == "" {
		return
	}
	l.mu.Lock()
	prefix := ""
	if l.has {
		prefix = fmt.Sprintf("[%3.0f%%] ", l.pct)
	}
	l.mu.Unlock()

	line := prefix + strings.TrimSuffix(text, "\n")
	if l.width != nil {
		// One column stays free so the cursor does not wrap early.
		if cols, ok := l.width.Width(); ok && cols > 1 && !strings.Contains(line, "\n") {
			line = runewidth.Truncate(line, cols-1, "…")
		}
	}
	l.next.Append(line + "\n")
}

func (l *lines) SetProgress(pct float64) {
	l.mu.Lock()
	l.pct, l.has = pct, true
	l.mu.Unlock()
	if ps, ok := l.next.(ProgressSink); ok {
		ps.SetProgress(pct)
	}
}

func (l *lines) Resize() { l.next.Resize() }

func (l *lines) Reset() {
	l.mu.Lock()
	l.pct, l.has = 0, false
	l.mu.Unlock()
	l.next.Reset()
}

func (l *lines) Dispose() { l.next.Dispose() }
