// Package util provides small helpers shared across the lending backend.
package util

// SafeTruncate truncates a string to maxLen characters without panicking.
// Used when logging sensitive values like codes and tokens, where only a
// prefix should be shown.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
