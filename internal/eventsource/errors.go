package eventsource

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrStreamEnded reports that the producer closed the stream without the
	// consumer asking for it.
	ErrStreamEnded = errors.New("event stream ended")

	// ErrNotEventStream reports a 200 response that is not text/event-stream.
	ErrNotEventStream = errors.New("response is not an event stream")

	// ErrUnsupportedScheme reports a URL that is neither http(s) nor ws(s).
	ErrUnsupportedScheme = errors.New("unsupported stream URL scheme")
)

// StatusError reports a non-success HTTP status from the stream endpoint.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("stream endpoint returned %s", e.Status)
}

// Redact returns rawURL with every query value replaced, so that tokens
// appended by the caller never reach logs or error messages.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	return redactURL(u)
}

func redactURL(u *url.URL) string {
	if u.RawQuery == "" {
		return u.String()
	}
	q := u.Query()
	for key := range q {
		q.Set(key, "REDACTED")
	}
	clone := *u
	clone.RawQuery = q.Encode()
	return clone.String()
}

// redactError rewrites the URL carried by net/http errors.
func redactError(err error, u *url.URL) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return &url.Error{Op: ue.Op, URL: redactURL(u), Err: ue.Err}
	}
	return err
}
