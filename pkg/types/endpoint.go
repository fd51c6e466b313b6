package types

import "strings"

// TunnelPrefix marks an endpoint URL as reachable only through the
// pub/sub tunnel. The remainder of the URL is the owner namespace,
// e.g. "tunneling:alice".
const TunnelPrefix = "tunneling:"

// EndpointRef identifies a single peer endpoint. It is immutable for
// the lifetime of a request.
type EndpointRef struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// IsTunneled reports whether the endpoint must be reached over the tunnel.
func (e EndpointRef) IsTunneled() bool {
	return strings.HasPrefix(e.URL, TunnelPrefix)
}

// TunnelOwner returns the owner namespace of a tunneled endpoint.
// For "tunneling:alice/docs" it returns "alice". Returns "" for
// plain HTTP endpoints.
func (e EndpointRef) TunnelOwner() string {
	if !e.IsTunneled() {
		return ""
	}
	rest := strings.TrimPrefix(e.URL, TunnelPrefix)
	rest = strings.TrimPrefix(rest, "//")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

// TunnelSlug returns the endpoint path below the owner namespace of a
// tunneled URL, without a leading slash. Empty when the URL has no path.
func (e EndpointRef) TunnelSlug() string {
	if !e.IsTunneled() {
		return ""
	}
	rest := strings.TrimPrefix(e.URL, TunnelPrefix)
	rest = strings.TrimPrefix(rest, "//")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return strings.Trim(rest[i+1:], "/")
	}
	return ""
}

// Path returns a stable human-readable identifier for the endpoint,
// preferring the display name over the raw URL.
func (e EndpointRef) Path() string {
	if e.Name != "" {
		return e.Name
	}
	return e.URL
}
