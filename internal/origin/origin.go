// Package origin normalizes the browser origins the HTTP surface accepts.
// Configured origins are cleaned and deduplicated; when nothing is
// configured, sensible local origins are derived from the listen address
// so the embedded panel works out of the box.
package origin

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Wildcard allows any origin.
const Wildcard = "*"

// BuildAllowedOrigins resolves the allowed CORS origins from the
// configured list and the listen address. A wildcard anywhere in the
// configured list wins outright.
func BuildAllowedOrigins(listenAddr string, configured []string) []string {
	origins := make([]string, 0, 4)
	seen := make(map[string]struct{}, 4)

	add := func(origin string) {
		if origin == "" {
			return
		}
		if _, ok := seen[origin]; ok {
			return
		}
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}

	var addedConfigured bool
	for _, raw := range configured {
		if strings.TrimSpace(raw) == Wildcard {
			return []string{Wildcard}
		}
		normalized := normalizeOrigin(raw)
		if normalized == "" {
			continue
		}
		add(normalized)
		addedConfigured = true
	}

	if addedConfigured {
		return origins
	}

	for _, raw := range originsFromListen(listenAddr) {
		add(normalizeOrigin(raw))
	}
	if len(origins) == 0 {
		add("http://localhost:8080")
	}
	return origins
}

func normalizeOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return ""
	}

	normalized := fmt.Sprintf("%s://%s", strings.ToLower(parsed.Scheme), strings.ToLower(parsed.Host))
	return strings.TrimSuffix(normalized, "/")
}

func originsFromListen(listenAddr string) []string {
	host := strings.TrimSpace(listenAddr)
	if host == "" {
		return nil
	}

	addr := host
	if !strings.Contains(host, ":") {
		addr = host + ":"
	}
	if strings.HasPrefix(host, ":") {
		addr = "127.0.0.1" + host
	}

	parsedHost, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return nil
	}

	candidates := []string{"localhost", "127.0.0.1"}
	if parsedHost != "" && parsedHost != "0.0.0.0" && parsedHost != "::" {
		candidates = append(candidates, parsedHost)
	}

	origins := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}

		hostLabel := candidate
		if strings.Contains(candidate, ":") && !strings.HasPrefix(candidate, "[") {
			hostLabel = "[" + candidate + "]"
		}

		origins = append(origins, fmt.Sprintf("http://%s:%s", hostLabel, port))
	}

	return origins
}
