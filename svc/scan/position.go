package scan

import (
	"strings"
	"unicode/utf8"

	"echobin/pkg/domain"
)

// Locate converts a byte offset into a 0-indexed line and code point column.
// Offsets outside the content are clamped.
func Locate(content string, offset int) domain.Position {
	if offset < 0 {
		offset = 0
	}
	if offset > len(content) {
		offset = len(content)
	}
	prefix := content[:offset]
	line := strings.Count(prefix, "\n")
	lineStart := strings.LastIndexByte(prefix, '\n') + 1
	return domain.Position{
		Line: line,
		Char: utf8.RuneCountInString(prefix[lineStart:]),
	}
}

// Offset is the inverse of Locate. A column past the end of its line stops
// at the newline; a line past the end of the content yields len(content).
func Offset(content string, pos domain.Position) int {
	start := 0
	for i := 0; i < pos.Line; i++ {
		nl := strings.IndexByte(content[start:], '\n')
		if nl < 0 {
			return len(content)
		}
		start += nl + 1
	}
	off := start
	for i := 0; i < pos.Char && off < len(content); i++ {
		if content[off] == '\n' {
			break
		}
		_, size := utf8.DecodeRuneInString(content[off:])
		off += size
	}
	return off
}
