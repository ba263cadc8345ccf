// Copyright 2024-2026 Aiku AI

package connector

import (
	"html"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/threematrix/pkg/connector/matrixfmt"
	"github.com/aiku/threematrix/pkg/connector/threemafmt"
)

// threemaToMatrix renders a relayed Threema text as "<sender>: <text>" with
// an HTML variant that has the sender in bold.
func threemaToMatrix(sender, text string) *event.MessageEventContent {
	parsed := threemafmt.Parse(text)
	formatted := parsed.FormattedBody
	if parsed.Format != event.FormatHTML {
		formatted = strings.ReplaceAll(html.EscapeString(text), "\n", "<br/>")
	}
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          sender + ": " + text,
		Format:        event.FormatHTML,
		FormattedBody: "<strong>" + html.EscapeString(sender) + "</strong>: " + formatted,
	}
}

// matrixToThreema renders a Matrix message as "<display-name>: <body>" in
// Threema markup.
func matrixToThreema(displayName string, content *event.MessageEventContent) string {
	body := matrixfmt.Parse(content)
	if content.MsgType == event.MsgEmote {
		return "* " + displayName + " " + body
	}
	return displayName + ": " + body
}

// noticeContent is used for the bridge's own status and error replies.
func noticeContent(text string) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	}
}
