package terminal

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
	"golang.org/x/time/rate"
)

const (
	defaultCols           = 80
	defaultRows           = 24
	defaultResizeInterval = 250 * time.Millisecond

	sgrReset    = "\x1b[0m"
	clearScreen = "\x1b[H\x1b[2J"
)

// Terminal renders a stream into a writer, usually the user's terminal.
type Terminal struct {
	mu  sync.Mutex
	out io.Writer

	fd    int
	isTTY bool

	convertEOL   bool
	clearOnReset bool
	resize       rate.Sometimes

	cols, rows int
	wrote      bool
	lastByte   byte
	disposed   bool
	err        error
}

// Option configures a Terminal.
type Option func(*Terminal)

// WithConvertEOL turns every lone "\n" into "\r\n", for writers whose line
// discipline does not, such as a terminal in raw mode.
func WithConvertEOL(enabled bool) Option {
	return func(t *Terminal) { t.convertEOL = enabled }
}

// WithClearOnReset makes Reset clear the screen of a TTY.
func WithClearOnReset(enabled bool) Option {
	return func(t *Terminal) { t.clearOnReset = enabled }
}

// NewTerminal creates a Terminal writing to out. Window size tracking is
// only active when out is a TTY.
func NewTerminal(out io.Writer, opts ...Option) *Terminal {
	t := &Terminal{
		out:    out,
		cols:   envSize("COLUMNS", defaultCols),
		rows:   envSize("LINES", defaultRows),
		resize: rate.Sometimes{First: 1, Interval: defaultResizeInterval},
	}
	if f, ok := out.(*os.File); ok {
		fd := f.Fd()
		t.isTTY = isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
		t.fd = int(fd)
	}
	if t.isTTY {
		if w, h, err := term.GetSize(t.fd); err == nil && w > 0 && h > 0 {
			t.cols, t.rows = w, h
		}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Append writes text verbatim, converting line endings if configured.
func (t *Terminal) Append(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed || text == "" {
		return
	}
	if t.convertEOL {
		text = t.crlf(text)
	}
	t.write(text)
	t.wrote = true
	t.lastByte = text[len(text)-1]
}

// crlf inserts a carriage return before each line feed that lacks one,
// looking back across Append boundaries.
func (t *Terminal) crlf(text string) string {
	if !strings.Contains(text, "\n") {
		return text
	}
	var b strings.Builder
	b.Grow(len(text) + strings.Count(text, "\n"))
	prev := t.lastByte
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '\n' && prev != '\r' {
			b.WriteByte('\r')
		}
		b.WriteByte(c)
		prev = c
	}
	return b.String()
}

// Resize re-reads the window size of a TTY, at most once per interval.
func (t *Terminal) Resize() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed || !t.isTTY {
		return
	}
	t.resize.Do(func() {
		if w, h, err := term.GetSize(t.fd); err == nil && w > 0 && h > 0 {
			t.cols, t.rows = w, h
		}
	})
}

// Reset forgets rendering state and clears the screen when configured.
func (t *Terminal) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	if t.clearOnReset && t.isTTY {
		t.write(clearScreen)
	}
	t.wrote = false
	t.lastByte = 0
}

// Dispose restores terminal attributes, ends a dangling line and flushes.
func (t *Terminal) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed {
		return
	}
	t.disposed = true
	if !t.wrote {
		return
	}
	if t.isTTY {
		t.write(sgrReset)
	}
	if t.lastByte != '\n' {
		if t.convertEOL {
			t.write("\r\n")
		} else {
			t.write("\n")
		}
	}
	if f, ok := t.out.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil && t.err == nil {
			t.err = err
		}
	}
}

// Size returns the last known window size in columns and rows.
func (t *Terminal) Size() (cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cols, t.rows
}

// Width reports the column count of a TTY. ok is false when the output is
// not a terminal and lines have no width to fit.
func (t *Terminal) Width() (cols int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cols, t.isTTY
}

// Err returns the first write error, if any.
func (t *Terminal) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Terminal) write(s string) {
	if t.err != nil {
		return
	}
	if _, err := io.WriteString(t.out, s); err != nil {
		t.err = err
	}
}

func envSize(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
