// Package command finds and strips embedded avatar control tags from agent
// text. Two forms are recognised:
//
//	<avatar mood="happy"/>
//	<avatar action="wave">...</avatar>
//
// Anything that starts like a tag but never closes is left in the text.
package command

import (
	"log"
	"strings"
)

const openPrefix = "<avatar"

// Handler receives one extracted command string, tag delimiters included.
type Handler func(cmd string)

// Find returns every well-formed command in text, left to right.
func Find(text string) []string {
	var found []string

	start := strings.Index(text, openPrefix)
	for start >= 0 {
		selfEnd := indexFrom(text, "/>", start)
		tagEnd := indexFrom(text, ">", start)

		switch {
		case selfEnd >= 0 && (tagEnd < 0 || selfEnd < tagEnd):
			found = append(found, text[start:selfEnd+2])
			start = indexFrom(text, openPrefix, selfEnd+2)

		case tagEnd >= 0:
			closing := "</" + tagName(text[start+1:tagEnd]) + ">"
			closeAt := indexFrom(text, closing, tagEnd+1)
			if closeAt < 0 {
				log.Printf("[command] unclosed tag at offset %d, skipping", start)
				start = indexFrom(text, openPrefix, tagEnd+1)
				continue
			}
			end := closeAt + len(closing)
			found = append(found, text[start:end])
			start = indexFrom(text, openPrefix, end)

		default:
			log.Printf("[command] malformed tag at offset %d, skipping", start)
			start = indexFrom(text, openPrefix, start+1)
		}
	}
	return found
}

// Extract invokes h once per command found in text, in order, and returns
// the text with each command removed. Text without commands is returned
// untouched; otherwise the remainder is trimmed. An empty result means the
// message carried nothing but commands and should not be displayed.
func Extract(text string, h Handler) (string, []string) {
	cmds := Find(text)
	if len(cmds) == 0 {
		return text, nil
	}

	cleaned := text
	for _, cmd := range cmds {
		if h != nil {
			h(cmd)
		}
		// First occurrence only: a literal repeated twice was found twice.
		cleaned = strings.Replace(cleaned, cmd, "", 1)
	}
	return strings.TrimSpace(cleaned), cmds
}

// tagName returns the element name from the inside of an opening tag,
// e.g. `avatar mood="x"` -> "avatar".
func tagName(inner string) string {
	if i := strings.IndexAny(inner, " \t\r\n/"); i >= 0 {
		return inner[:i]
	}
	return inner
}

func indexFrom(s, substr string, from int) int {
	if from >= len(s) {
		return -1
	}
	i := strings.Index(s[from:], substr)
	if i < 0 {
		return -1
	}
	return from + i
}
