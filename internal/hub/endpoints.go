// Package hub builds the stream URLs of the environments service and the
// hub API.
package hub

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Kind names the operation a stream observes.
type Kind string

const (
	// KindBuild follows the log of an environment image build.
	KindBuild Kind = "build"
	// KindSpawn follows the progress of a server spawn.
	KindSpawn Kind = "spawn"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindBuild, KindSpawn:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown stream kind %q", s)
	}
}

const (
	// DefaultTokenParam is the query parameter carrying the API token.
	DefaultTokenParam = "token"
	// DefaultLogsResource is the service collection whose items expose logs.
	DefaultLogsResource = "environments"
)

// ErrMissingOperation is returned for an empty build operation identifier.
var ErrMissingOperation = errors.New("operation identifier is required")

// Endpoints builds stream URLs. Prefixes are absolute URLs; ws:// and
// wss:// service prefixes select the WebSocket transport.
type Endpoints struct {
	ServicePrefix string
	HubPrefix     string
	User          string
	// LogsResource defaults to DefaultLogsResource.
	LogsResource string
	// TokenParam defaults to DefaultTokenParam.
	TokenParam string
}

// URL returns the stream URL of an operation with token appended.
func (e Endpoints) URL(kind Kind, operationID, token string) (string, error) {
	var (
		raw string
		err error
	)
	switch kind {
	case KindBuild:
		raw, err = e.BuildLogs(operationID)
	case KindSpawn:
		raw, err = e.SpawnProgress(operationID)
	default:
		err = fmt.Errorf("unknown stream kind %q", kind)
	}
	if err != nil {
		return "", err
	}
	return WithToken(raw, e.tokenParam(), token)
}

// BuildLogs returns <service-prefix>/api/<resource>/<image>/logs.
func (e Endpoints) BuildLogs(image string) (string, error) {
	if strings.TrimSpace(image) == "" {
		return "", ErrMissingOperation
	}
	resource := e.LogsResource
	if resource == "" {
		resource = DefaultLogsResource
	}
	return join(e.ServicePrefix, "api", resource, image, "logs")
}

// SpawnProgress returns <hub-prefix>/api/users/<user>/servers/<server>/progress,
// or the default-server form when server is empty.
func (e Endpoints) SpawnProgress(server string) (string, error) {
	if e.User == "" {
		return "", errors.New("hub user is required for spawn progress")
	}
	if server == "" {
		return join(e.HubPrefix, "api", "users", e.User, "server", "progress")
	}
	return join(e.HubPrefix, "api", "users", e.User, "servers", server, "progress")
}

func (e Endpoints) tokenParam() string {
	if e.TokenParam == "" {
		return DefaultTokenParam
	}
	return e.TokenParam
}

// join appends escaped path segments to prefix.
func join(prefix string, segments ...string) (string, error) {
	if prefix == "" {
		return "", errors.New("stream URL prefix is not configured")
	}
	u, err := url.Parse(prefix)
	if err != nil {
		return "", fmt.Errorf("parse prefix %q: %w", prefix, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("prefix %q is not an absolute URL", prefix)
	}
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return u.JoinPath(escaped...).String(), nil
}

// WithToken appends token as query parameter param. An empty token leaves
// the URL unchanged.
func WithToken(rawURL, param, token string) (string, error) {
	if token == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse stream URL: %w", err)
	}
	q := u.Query()
	q.Set(param, token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
