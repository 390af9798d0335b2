package compat

import "strings"

// Normalize removes one trailing line terminator (CRLF or LF) if present. A
// lone trailing CR is kept.
func Normalize(text string) string {
	if strings.HasSuffix(text, "\r\n") {
		return text[:len(text)-2]
	}
	if strings.HasSuffix(text, "\n") {
		return text[:len(text)-1]
	}
	return text
}
