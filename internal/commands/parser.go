package commands

import "strings"

// Detect reports whether text is a command message and splits it into
// name and args. Only a leading slash counts; slashes later in the text
// are ordinary content. Chinese aliases are allowed, so the name is the
// first whitespace-delimited token after the slash.
func Detect(text string) (name, args string, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", "", false
	}
	body := trimmed[1:]
	if body == "" {
		return "", "", false
	}
	if i := strings.IndexFunc(body, isSpace); i >= 0 {
		return strings.ToLower(body[:i]), strings.TrimSpace(body[i:]), true
	}
	return strings.ToLower(body), "", true
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '　'
}
