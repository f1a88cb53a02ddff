package provider

import (
	"net/url"
	"strings"
)

// A candidate shorter than this cannot be a real artifact URL.
const minResultURLLength = 12

// Markers seen in provider debug or placeholder output. A URL containing any
// of these is never a real artifact.
var placeholderMarkers = []string{
	"placeholder",
	"example.com",
	"/debug/",
	"dummy",
	"pending_upload",
}

// ExtractURLs filters candidates down to structurally valid, deduplicated
// result URLs, preserving order.
func ExtractURLs(candidates []string) []string {
	seen := make(map[string]struct{}, len(candidates))
	var out []string
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if !ValidResultURL(c) {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// ValidResultURL reports whether raw looks like a usable artifact URL:
// http(s), a real host, long enough, and free of placeholder markers.
func ValidResultURL(raw string) bool {
	if len(raw) < minResultURLLength {
		return false
	}

	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" {
		return false
	}

	lower := strings.ToLower(raw)
	for _, marker := range placeholderMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	return true
}
