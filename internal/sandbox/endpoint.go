package sandbox

import "strings"

// httpBase maps a control endpoint to the plain HTTP base of the same
// host: ws://h:p/ws -> http://h:p.
func httpBase(endpoint string) string {
	s := endpoint
	switch {
	case strings.HasPrefix(s, "wss://"):
		s = "https://" + strings.TrimPrefix(s, "wss://")
	case strings.HasPrefix(s, "ws://"):
		s = "http://" + strings.TrimPrefix(s, "ws://")
	}
	scheme := ""
	if i := strings.Index(s, "://"); i >= 0 {
		scheme = s[:i+3]
		s = s[i+3:]
	}
	if j := strings.Index(s, "/"); j >= 0 {
		s = s[:j]
	}
	return scheme + s
}

func readyEndpoint(controlEndpoint string) string {
	return httpBase(controlEndpoint) + "/ready"
}

// endpointDomain extracts the host[:port] a sandbox is reachable on,
// for the domain field of its record.
func endpointDomain(endpoint string) string {
	s := httpBase(endpoint)
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	return s
}
