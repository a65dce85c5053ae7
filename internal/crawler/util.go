package crawler

import (
	"regexp"
	"strings"
)

// MaxFileNameLen caps names produced by SafeFileName.
const MaxFileNameLen = 100

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SafeFileName derives a filesystem-safe base name from a URL: the scheme is
// stripped, separators and reserved characters become underscores and the
// result is truncated to MaxFileNameLen characters.
func SafeFileName(rawURL string) string {
	name := strings.TrimSpace(rawURL)
	if idx := strings.Index(name, "://"); idx >= 0 {
		name = name[idx+3:]
	}
	name = invalidFilenameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_.")
	if name == "" {
		name = "index"
	}
	if len(name) > MaxFileNameLen {
		name = name[:MaxFileNameLen]
	}
	return name
}

func containsLower(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
