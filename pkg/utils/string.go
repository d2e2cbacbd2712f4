// Package utils holds small string helpers shared by the logging call
// sites.
package utils

// Truncate shortens s to at most maxLen runes, replacing the cut tail
// with "..." when there is room for it. Rune-based so multi-byte text is
// never split mid-character.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
