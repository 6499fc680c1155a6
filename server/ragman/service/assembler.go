package service

import (
	"strings"
	"unicode/utf8"

	"msg_rag/server/ragman/domain"
)

const (
	DefaultMaxContextLength = 8000
	DefaultRecentLines      = 5

	historySectionHeader = "[Relevant history]\n"
	recentSectionHeader  = "[Recent conversation]\n"
)

// AssembleContext renders retrieved documents followed by the last recentLines
// messages of recent (chronological order). Lengths of excerpts and message
// lines share one budget of maxLength characters; a section stops at the first
// line that would overflow it and lines are never cut.
func AssembleContext(documents []string, recent []domain.Message, maxLength, recentLines int) string {
	if maxLength <= 0 {
		maxLength = DefaultMaxContextLength
	}
	if recentLines <= 0 {
		recentLines = DefaultRecentLines
	}

	var b strings.Builder
	used := 0

	if len(documents) > 0 {
		b.WriteString(historySectionHeader)
		for _, doc := range documents {
			n := utf8.RuneCountInString(doc)
			if used+n > maxLength {
				break
			}
			b.WriteString("- ")
			b.WriteString(doc)
			b.WriteByte('\n')
			used += n
		}
		b.WriteByte('\n')
	}

	if len(recent) > 0 {
		if len(recent) > recentLines {
			recent = recent[len(recent)-recentLines:]
		}
		b.WriteString(recentSectionHeader)
		for _, msg := range recent {
			line := speakerName(msg) + ": " + msg.Content
			n := utf8.RuneCountInString(line)
			if used+n > maxLength {
				break
			}
			b.WriteString(line)
			b.WriteByte('\n')
			used += n
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func speakerName(msg domain.Message) string {
	if name := strings.TrimSpace(msg.SenderName); name != "" {
		return name
	}
	if msg.SenderID != "" {
		return msg.SenderID
	}
	return "unknown"
}
