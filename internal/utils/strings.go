// Package utils provides common utility functions.
package utils

// MaskValue masks a sensitive header value for safe logging (shows first 8 and
// last 4 chars). Use this to avoid logging cookies or tokens in plain text.
func MaskValue(v string) string {
	if v == "" {
		return "(empty)"
	}
	if len(v) < 16 {
		return "****"
	}
	return v[:8] + "..." + v[len(v)-4:]
}

// Truncate shortens a string to maxLen characters for log output.
func Truncate(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	return value[:maxLen] + "..."
}
