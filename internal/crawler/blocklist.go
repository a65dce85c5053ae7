package crawler

import (
	"slices"
	"strings"
)

// hostBlocklist matches hosts against exact names and "*.suffix" / ".suffix" wildcards.
type hostBlocklist struct {
	exact    map[string]struct{}
	suffixes []string
}

// newHostBlocklist returns nil when no usable pattern is supplied.
func newHostBlocklist(patterns []string) *hostBlocklist {
	bl := &hostBlocklist{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		value := strings.ToLower(strings.TrimSpace(raw))
		value, wildcard := cutWildcard(value)
		switch {
		case value == "":
			continue
		case wildcard:
			if !slices.Contains(bl.suffixes, value) {
				bl.suffixes = append(bl.suffixes, value)
			}
		default:
			bl.exact[value] = struct{}{}
		}
	}
	if len(bl.exact) == 0 && len(bl.suffixes) == 0 {
		return nil
	}
	return bl
}

func cutWildcard(pattern string) (string, bool) {
	if rest, ok := strings.CutPrefix(pattern, "*."); ok {
		return rest, true
	}
	if rest, ok := strings.CutPrefix(pattern, "."); ok {
		return rest, true
	}
	return pattern, false
}

// Blocked reports whether host matches any pattern. A nil blocklist blocks nothing.
func (b *hostBlocklist) Blocked(host string) bool {
	if b == nil {
		return false
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	if _, ok := b.exact[host]; ok {
		return true
	}
	return slices.ContainsFunc(b.suffixes, func(suffix string) bool {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	})
}
