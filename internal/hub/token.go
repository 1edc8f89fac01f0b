package hub

// TokenSource yields the current API token. Implementations must be safe
// for concurrent use.
type TokenSource interface {
	Token() string
}

// StaticToken is a TokenSource with a fixed value.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }
