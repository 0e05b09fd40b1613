package request

import (
	"net"
	"net/url"
	"strings"

	"github.com/klyr/klyr/internal/normalize"
)

type Meta struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	Authority string `json:"authority,omitempty"`
	Protocol  string `json:"protocol,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// RawRequest is the undecoded request as received by the host. Body is nil
// when the request carries no body.
type RawRequest struct {
	IP      string            `json:"ip"`
	Headers map[string]string `json:"headers"`
	Meta    Meta              `json:"meta"`
	Body    []byte            `json:"body,omitempty"`
}

// Host returns the authority, falling back to the host header, without port.
func (r RawRequest) Host() string {
	host := r.Meta.Authority
	if host == "" {
		for k, v := range r.Headers {
			if strings.EqualFold(k, "host") {
				host = v
				break
			}
		}
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

// RoutePath is the path used to pick a route: the query is dropped, the
// path is percent-decoded once and dot segments are resolved, so encoded
// or dotted spellings select the same route the upstream will serve.
func (r RawRequest) RoutePath() string {
	path, _, _ := strings.Cut(r.Meta.Path, "?")
	if decoded, err := url.PathUnescape(path); err == nil {
		path = decoded
	}
	path = strings.NewReplacer("?", "%3F", "#", "%23").Replace(path)
	return normalize.Path(path)
}
