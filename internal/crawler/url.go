package crawler

import (
	"fmt"
	"net/url"
	"strings"
)

var defaultPorts = map[string]string{"http": ":80", "https": ":443"}

// NormalizeURL canonicalizes a URL so equivalent spellings share one visited-set entry.
// Scheme and host are lowercased, default ports and fragments dropped and query
// parameters sorted.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.TrimSuffix(strings.ToLower(u.Host), defaultPorts[u.Scheme])
	u.Fragment = ""
	u.RawFragment = ""
	if u.RawQuery != "" {
		u.RawQuery = u.Query().Encode()
	}
	return u.String(), nil
}
