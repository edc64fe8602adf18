// Package textfmt prepares agent replies for Twitch chat, which renders plain single-line text
// and rejects messages longer than 500 characters.
package textfmt

import (
	"regexp"
	"strings"
)

// TwitchMessageLimit is the maximum PRIVMSG body length Twitch accepts.
const TwitchMessageLimit = 500

var (
	fencedCode   = regexp.MustCompile("(?s)```[^\\n`]*\\n?(.*?)```")
	inlineCode   = regexp.MustCompile("`([^`\\n]*)`")
	image        = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	link         = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	boldStars    = regexp.MustCompile(`\*\*(.+?)\*\*`)
	boldUnder    = regexp.MustCompile(`__(.+?)__`)
	strike       = regexp.MustCompile(`~~(.+?)~~`)
	italicStar   = regexp.MustCompile(`\*([^*\n]+)\*`)
	italicUnder  = regexp.MustCompile(`(^|[^\w])_([^_\n]+)_([^\w]|$)`)
	heading      = regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]+`)
	blockquote   = regexp.MustCompile(`(?m)^[ \t]*>[ \t]?`)
	listMarker   = regexp.MustCompile(`(?m)^[ \t]*(?:[-*+]|\d+[.)])[ \t]+`)
	lineBreaks   = regexp.MustCompile(`\r?\n|\r`)
	horizontalWS = regexp.MustCompile(`[ \t\f\v]+`)
)

// StripMarkdown flattens markdown into one line of plain text. The transform is lossy.
func StripMarkdown(s string) string {
	s = fencedCode.ReplaceAllString(s, "$1")
	s = inlineCode.ReplaceAllString(s, "$1")
	s = image.ReplaceAllString(s, "")
	s = link.ReplaceAllString(s, "$1")
	s = heading.ReplaceAllString(s, "")
	s = blockquote.ReplaceAllString(s, "")
	s = listMarker.ReplaceAllString(s, "")
	s = boldStars.ReplaceAllString(s, "$1")
	s = boldUnder.ReplaceAllString(s, "$1")
	s = strike.ReplaceAllString(s, "$1")
	s = italicStar.ReplaceAllString(s, "$1")
	// matches consume the neighbouring delimiter, so adjacent italics need another pass
	for {
		next := italicUnder.ReplaceAllString(s, "$1$2$3")
		if next == s {
			break
		}
		s = next
	}
	s = lineBreaks.ReplaceAllString(s, " ")
	s = horizontalWS.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Chunk splits text into pieces of at most limit runes, breaking at the last space inside each
// limit-sized window and hard-splitting only when the window has no usable space. The split
// spaces, and any spaces a chunk would start with, are dropped. Empty text yields no chunks.
func Chunk(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}
	rest := []rune(text)
	var chunks []string
	for {
		for len(rest) > 0 && rest[0] == ' ' {
			rest = rest[1:]
		}
		if len(rest) <= limit {
			break
		}
		cut := lastSpace(rest[:limit])
		if cut > 0 {
			chunks = append(chunks, string(rest[:cut]))
			rest = rest[cut+1:]
			continue
		}
		chunks = append(chunks, string(rest[:limit]))
		rest = rest[limit:]
	}
	if len(rest) > 0 {
		chunks = append(chunks, string(rest))
	}
	return chunks
}

// Prepare runs the outbound pipeline: optional markdown stripping, whitespace cleanup and
// chunking at the Twitch limit.
func Prepare(text string, stripMarkdown bool) []string {
	if stripMarkdown {
		text = StripMarkdown(text)
	} else {
		text = lineBreaks.ReplaceAllString(text, " ")
		text = strings.TrimSpace(horizontalWS.ReplaceAllString(text, " "))
	}
	return Chunk(text, TwitchMessageLimit)
}

func lastSpace(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i] == ' ' {
			return i
		}
	}
	return -1
}
