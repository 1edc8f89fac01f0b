package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const maxExcerpt = 64

// ErrEmptyPayload is returned for events without a data body.
var ErrEmptyPayload = errors.New("empty payload")

// DecodeError reports a payload that could not be turned into a Record.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	excerpt := e.Payload
	if len(excerpt) > maxExcerpt {
		excerpt = excerpt[:maxExcerpt] + "..."
	}
	return fmt.Sprintf("decode progress payload %q: %v", excerpt, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type wireRecord struct {
	Phase    string   `json:"phase"`
	Message  string   `json:"message"`
	Progress *float64 `json:"progress"`
	Ready    bool     `json:"ready"`
	Failed   bool     `json:"failed"`
	URL      string   `json:"url"`
}

// Decode parses one event body. Any failure is a *DecodeError.
func Decode(raw string) (Record, error) {
	data := bytes.TrimSpace([]byte(raw))
	if len(data) == 0 {
		return Record{}, &DecodeError{Payload: raw, Err: ErrEmptyPayload}
	}
	if data[0] != '{' {
		return Record{}, &DecodeError{Payload: raw, Err: errors.New("payload is not a JSON object")}
	}

	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return Record{}, &DecodeError{Payload: raw, Err: err}
	}

	rec := Record{
		Phase:   w.Phase,
		Kind:    Classify(w.Phase, w.Ready, w.Failed),
		Message: w.Message,
		Ready:   w.Ready,
		Failed:  w.Failed,
		URL:     w.URL,
	}
	if w.Progress != nil {
		pct := clamp(*w.Progress)
		rec.Progress = &pct
	}
	return rec, nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
