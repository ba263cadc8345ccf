// Copyright 2024-2026 Aiku AI

// Package threemafmt converts Threema inline markup to Matrix HTML.
package threemafmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

// ParsedMessage holds the result of converting Threema markup to Matrix format.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

var (
	boldRe   = regexp.MustCompile(`\*([^*\s](?:[^*\n]*?[^*\s])?)\*`)
	italicRe = regexp.MustCompile(`(^|[^\p{L}\p{N}_])_([^_\s](?:[^_\n]*?[^_\s])?)_([^\p{L}\p{N}_]|$)`)
	strikeRe = regexp.MustCompile(`~([^~\s](?:[^~\n]*?[^~\s])?)~`)
	urlRe    = regexp.MustCompile(`(?i)\b(?:https?://|mailto:)[^\s<>"]+[^\s<>".,!?:;)\]]`)
	quoteRe  = regexp.MustCompile(`^>\s?(.*)$`)
	listRe   = regexp.MustCompile(`^[-•]\s+(.+)$`)
)

func urlPlaceholder(idx int) string {
	return "\x00URL" + strconv.Itoa(idx) + "\x00"
}

// Parse converts a Threema text message to Matrix event content. Text
// without any markup is returned as a plain body only.
func Parse(text string) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{}
	}

	hasFormatting := boldRe.MatchString(text) ||
		italicRe.MatchString(text) ||
		strikeRe.MatchString(text) ||
		urlRe.MatchString(text)
	lines := strings.Split(text, "\n")
	for _, line := range lines {
		if quoteRe.MatchString(line) || listRe.MatchString(line) {
			hasFormatting = true
			break
		}
	}
	if !hasFormatting {
		return &ParsedMessage{Body: text}
	}

	// Step 1: Pull links out so markup characters inside URLs survive.
	var urls []string
	for i, line := range lines {
		lines[i] = urlRe.ReplaceAllStringFunc(line, func(match string) string {
			urls = append(urls, match)
			return urlPlaceholder(len(urls) - 1)
		})
	}

	// Step 2: Structural elements, line by line.
	var result []string
	var listItems []string
	var quoteLines []string

	flushList := func() {
		if len(listItems) == 0 {
			return
		}
		result = append(result, "<ul>"+strings.Join(listItems, "")+"</ul>")
		listItems = nil
	}
	flushQuote := func() {
		if len(quoteLines) == 0 {
			return
		}
		result = append(result, "<blockquote>"+strings.Join(quoteLines, "<br/>")+"</blockquote>")
		quoteLines = nil
	}

	for _, line := range lines {
		if m := quoteRe.FindStringSubmatch(line); m != nil {
			flushList()
			quoteLines = append(quoteLines, inline(html.EscapeString(m[1])))
			continue
		}
		flushQuote()
		if m := listRe.FindStringSubmatch(line); m != nil {
			listItems = append(listItems, "<li>"+inline(html.EscapeString(m[1]))+"</li>")
			continue
		}
		flushList()
		result = append(result, inline(html.EscapeString(line)))
	}
	flushList()
	flushQuote()

	formatted := strings.Join(result, "\n")

	// Step 3: Restore links. Only the schemes urlRe accepts can get here.
	for i, u := range urls {
		escaped := html.EscapeString(u)
		formatted = strings.Replace(formatted, urlPlaceholder(i), `<a href="`+escaped+`">`+escaped+`</a>`, 1)
	}

	// Step 4: Line breaks, except right after block elements.
	formatted = strings.ReplaceAll(formatted, "</ul>\n", "</ul>")
	formatted = strings.ReplaceAll(formatted, "</blockquote>\n", "</blockquote>")
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")

	return &ParsedMessage{
		Body:          text,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}

func inline(s string) string {
	s = boldRe.ReplaceAllString(s, "<strong>$1</strong>")
	// Adjacent spans share a boundary character, so a second pass is needed.
	s = italicRe.ReplaceAllString(s, "$1<em>$2</em>$3")
	s = italicRe.ReplaceAllString(s, "$1<em>$2</em>$3")
	s = strikeRe.ReplaceAllString(s, "<del>$1</del>")
	return s
}
