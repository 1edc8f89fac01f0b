package terminal

import (
	"strings"
	"sync"
)

// Buffer is an in-memory Sink. Its content stays readable after Dispose.
type Buffer struct {
	mu       sync.Mutex
	b        strings.Builder
	appends  int
	resizes  int
	resets   int
	disposed bool
	progress []float64
}

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

func (b *Buffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.appends++
	b.b.WriteString(text)
}

func (b *Buffer) Resize() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.resizes++
}

func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.resets++
	b.b.Reset()
}

func (b *Buffer) Dispose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disposed = true
}

func (b *Buffer) SetProgress(pct float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	b.progress = append(b.progress, pct)
}

// String returns everything appended since the last Reset.
func (b *Buffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}

// Appends returns the number of Append calls that reached the buffer.
func (b *Buffer) Appends() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appends
}

// Resizes returns the number of Resize calls that reached the buffer.
func (b *Buffer) Resizes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resizes
}

// Resets returns the number of Reset calls that reached the buffer.
func (b *Buffer) Resets() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resets
}

// Disposed reports whether Dispose was called.
func (b *Buffer) Disposed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disposed
}

// Progress returns every percentage reported through SetProgress.
func (b *Buffer) Progress() []float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]float64(nil), b.progress...)
}
