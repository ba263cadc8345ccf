// Copyright 2024-2026 Aiku AI

package threemafmt

import (
	"testing"

	"maunium.net/go/mautrix/event"
)

func TestParseEmpty(t *testing.T) {
	t.Parallel()
	result := Parse("")
	if result.Body != "" || result.FormattedBody != "" {
		t.Errorf("empty input: got %+v", result)
	}
}

func TestParsePlainText(t *testing.T) {
	t.Parallel()
	for _, input := range []string{"hello world", "snake_case_name", "2 * 3 = 6", "javascript:alert(1)"} {
		result := Parse(input)
		if result.Body != input {
			t.Errorf("Parse(%q) Body: got %q", input, result.Body)
		}
		if result.Format != "" || result.FormattedBody != "" {
			t.Errorf("Parse(%q) should be plain, got %+v", input, result)
		}
	}
}

func TestParseInline(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bold", "*hello* world", "<strong>hello</strong> world"},
		{"italic", "an _important_ note", "an <em>important</em> note"},
		{"adjacent italics", "_a_ _b_", "<em>a</em> <em>b</em>"},
		{"strike", "~gone~", "<del>gone</del>"},
		{"mixed", "*bold* and ~old~", "<strong>bold</strong> and <del>old</del>"},
		{"escapes html", "a < b *c*", "a &lt; b <strong>c</strong>"},
		{"escapes inside markup", "*<script>*", "<strong>&lt;script&gt;</strong>"},
		{"newlines", "*a*\nb", "<strong>a</strong><br/>b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := Parse(tt.input)
			if result.Format != event.FormatHTML {
				t.Errorf("Format: got %q, want %q", result.Format, event.FormatHTML)
			}
			if result.Body != tt.input {
				t.Errorf("Body should preserve original: got %q", result.Body)
			}
			if result.FormattedBody != tt.want {
				t.Errorf("FormattedBody: got %q, want %q", result.FormattedBody, tt.want)
			}
		})
	}
}

func TestParseLinks(t *testing.T) {
	t.Parallel()
	result := Parse("see https://example.com/a_b_c")
	want := `see <a href="https://example.com/a_b_c">https://example.com/a_b_c</a>`
	if result.FormattedBody != want {
		t.Errorf("FormattedBody: got %q, want %q", result.FormattedBody, want)
	}

	result = Parse("https://example.com/?a=1&b=2.")
	want = `<a href="https://example.com/?a=1&amp;b=2">https://example.com/?a=1&amp;b=2</a>.`
	if result.FormattedBody != want {
		t.Errorf("FormattedBody: got %q, want %q", result.FormattedBody, want)
	}
}

func TestParseBlocks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"quote", "> quoted\nreply", "<blockquote>quoted</blockquote>reply"},
		{"multi-line quote", "> one\n> two", "<blockquote>one<br/>two</blockquote>"},
		{"list", "- one\n- *two*", "<ul><li>one</li><li><strong>two</strong></li></ul>"},
		{"list then text", "intro\n- item\nend", "intro<br/><ul><li>item</li></ul>end"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Parse(tt.input).FormattedBody; got != tt.want {
				t.Errorf("FormattedBody: got %q, want %q", got, tt.want)
			}
		})
	}
}
