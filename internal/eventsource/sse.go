package eventsource

import (
	"bufio"
	"io"
	"strings"
)

// event is one dispatched server-sent event.
type event struct {
	Type string
	Data string
}

// readEvents parses a text/event-stream body and calls dispatch for every
// complete event. It returns the first read error, io.EOF included. Data
// of an event that is not terminated by a blank line before EOF is dropped.
func readEvents(r io.Reader, dispatch func(event)) error {
	reader := bufio.NewReader(r)
	var (
		typ     string
		data    strings.Builder
		hasData bool
	)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}

		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if hasData {
				dispatch(event{Type: typ, Data: data.String()})
			}
			typ = ""
			data.Reset()
			hasData = false
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if found {
			value = strings.TrimPrefix(value, " ")
		}

		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "event":
			typ = value
		}
		// id and retry only matter for automatic reconnection, which
		// this client never does.
	}
}

// isMessage reports whether an event would reach a browser onmessage handler.
func (e event) isMessage() bool {
	return e.Type == "" || e.Type == "message"
}
