package utils

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
)

// FileExists reports whether path exists. Errors other than not-exist are
// returned so callers can tell "absent" from "cannot tell".
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// SizeInMB converts a byte count to megabytes
func SizeInMB(size int64) float64 {
	return float64(size) / (1024 * 1024)
}

// HasExtension checks a path against an allow-list of lower-case
// extensions, ignoring case on the path.
func HasExtension(path string, extensions []string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return false
	}
	for _, allowed := range extensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// IsIgnored reports whether a base name matches any glob pattern
func IsIgnored(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if matched, err := filepath.Match(pattern, name); err == nil && matched {
			return true
		}
	}
	return false
}

// SanitizeFileName makes a display name safe to use as a file name stem
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		case unicode.IsControl(r):
			continue
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		return "video"
	}
	return out
}

// StemOf returns the base name of a path without its extension
func StemOf(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// SetFileTimes sets both access and modification time of a file
func SetFileTimes(path string, t time.Time) error {
	return os.Chtimes(path, t, t)
}
