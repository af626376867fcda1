package llm

import "fmt"

// Truncate cuts s to max runes, appending a marker with the original
// length. It is the identity for strings that already fit.
func Truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + fmt.Sprintf("\n...(内容已截断，原始 %d 字符)", len(runes))
}

// preview cuts s to max runes with a bare ellipsis, for compressed
// tool-round placeholders.
func preview(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
