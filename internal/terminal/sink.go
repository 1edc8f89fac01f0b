// Package terminal provides the append-only surfaces that streamed build
// and spawn output is rendered into.
package terminal

// Sink is an append-only rendering surface. Implementations must tolerate
// any call after Dispose, and Dispose before any other call, as a no-op.
type Sink interface {
	// Append writes text at the end of the surface. Line breaks and
	// terminal escape sequences are rendered, not stripped.
	Append(text string)
	// Resize re-fits the surface to its container. It is called after
	// every Append.
	Resize()
	// Reset clears all rendered content.
	Reset()
	// Dispose releases rendering resources.
	Dispose()
}

// ProgressSink is implemented by sinks that show a completion percentage.
type ProgressSink interface {
	SetProgress(pct float64)
}

type tee []Sink

// Tee returns a Sink that forwards every call to each of sinks in order.
func Tee(sinks ...Sink) Sink {
	return tee(append([]Sink(nil), sinks...))
}

func (t tee) Append(text string) {
	for _, s := range t {
		s.Append(text)
	}
}

func (t tee) Resize() {
	for _, s := range t {
		s.Resize()
	}
}

func (t tee) Reset() {
	for _, s := range t {
		s.Reset()
	}
}

func (t tee) Dispose() {
	for _, s := range t {
		s.Dispose()
	}
}

func (t tee) SetProgress(pct float64) {
	for _, s := range t {
		if ps, ok := s.(ProgressSink); ok {
			ps.SetProgress(pct)
		}
	}
}
