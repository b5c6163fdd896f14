// Copyright 2024-2026 Aiku AI

// Package matrixfmt converts between Matrix HTML and the shared span
// representation.
package matrixfmt

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/aiku/chatbridge/pkg/format"
)

// Dialect implements format.Dialect for Matrix HTML.
type Dialect struct{}

func (Dialect) Name() string { return "matrix" }

// Render converts a span message to Matrix HTML. Newlines become <br/> and
// text content is entity-escaped.
func (Dialect) Render(m format.Message) string {
	return format.RenderSpans(m, openTag, closeTag, escapeText)
}

func escapeText(_ format.Span, s string) string {
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br/>")
}

func openTag(sp format.Span) string {
	switch sp.Attr {
	case format.AttrBold:
		return "<strong>"
	case format.AttrItalic:
		return "<em>"
	case format.AttrStrike:
		return "<del>"
	case format.AttrCode:
		return "<code>"
	case format.AttrLink:
		return `<a href="` + html.EscapeString(sp.Href) + `">`
	}
	return ""
}

func closeTag(sp format.Span) string {
	switch sp.Attr {
	case format.AttrBold:
		return "</strong>"
	case format.AttrItalic:
		return "</em>"
	case format.AttrStrike:
		return "</del>"
	case format.AttrCode:
		return "</code>"
	case format.AttrLink:
		return "</a>"
	}
	return ""
}

// openSpan tracks an unclosed tag while parsing.
type openSpan struct {
	attr  format.Attr
	href  string
	start int
}

// Parse converts Matrix HTML to a span message. Unknown tags are stripped
// and their content kept as plain text; unsafe link schemes lose the link
// but keep the text.
func (Dialect) Parse(src string) format.Message {
	var out []rune
	var spans []format.Span
	var stack []openSpan
	pos := 0

	closeAttr := func(attr format.Attr) {
		for i := len(stack) - 1; i >= 0; i-- {
			if stack[i].attr != attr {
				continue
			}
			sp := stack[i]
			stack = append(stack[:i], stack[i+1:]...)
			if len(out) > sp.start {
				spans = append(spans, format.Span{Start: sp.start, End: len(out), Attr: sp.attr, Href: sp.href})
			}
			return
		}
	}

	for pos < len(src) {
		if src[pos] != '<' {
			next := strings.IndexByte(src[pos:], '<')
			if next < 0 {
				next = len(src) - pos
			}
			out = append(out, []rune(html.UnescapeString(src[pos:pos+next]))...)
			pos += next
			continue
		}
		gt := strings.IndexByte(src[pos:], '>')
		if gt < 0 {
			// Stray '<' without a closing bracket, keep as text.
			r, size := utf8.DecodeRuneInString(src[pos:])
			out = append(out, r)
			pos += size
			continue
		}
		tag := strings.TrimSpace(src[pos+1 : pos+gt])
		pos += gt + 1

		switch {
		case tag == "strong" || tag == "b":
			stack = append(stack, openSpan{attr: format.AttrBold, start: len(out)})
		case tag == "/strong" || tag == "/b":
			closeAttr(format.AttrBold)
		case tag == "em" || tag == "i":
			stack = append(stack, openSpan{attr: format.AttrItalic, start: len(out)})
		case tag == "/em" || tag == "/i":
			closeAttr(format.AttrItalic)
		case tag == "del" || tag == "s" || tag == "strike":
			stack = append(stack, openSpan{attr: format.AttrStrike, start: len(out)})
		case tag == "/del" || tag == "/s" || tag == "/strike":
			closeAttr(format.AttrStrike)
		case tag == "code":
			stack = append(stack, openSpan{attr: format.AttrCode, start: len(out)})
		case tag == "/code":
			closeAttr(format.AttrCode)
		case strings.HasPrefix(tag, "a ") || tag == "a":
			href := extractHref(tag)
			if safeScheme(href) {
				stack = append(stack, openSpan{attr: format.AttrLink, href: href, start: len(out)})
			}
		case tag == "/a":
			closeAttr(format.AttrLink)
		case tag == "br" || tag == "br/" || tag == "br /":
			out = append(out, '\n')
		case tag == "/p":
			out = append(out, '\n')
		default:
			// Unknown tag: strip the markup, keep the content.
		}
	}

	text := strings.TrimRight(string(out), "\n")
	return format.Normalize(format.Message{Text: text, Spans: spans})
}

// extractHref pulls the href attribute value out of an <a> tag body.
func extractHref(tag string) string {
	idx := strings.Index(tag, `href="`)
	if idx < 0 {
		return ""
	}
	rest := tag[idx+len(`href="`):]
	end := strings.IndexByte(rest, '"')
	if end < 0 {
		return ""
	}
	return html.UnescapeString(rest[:end])
}

// safeScheme reports whether a link target uses an allowed URL scheme.
// javascript:, data: and friends are rendered as plain text instead.
func safeScheme(href string) bool {
	lower := strings.ToLower(strings.TrimSpace(href))
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:")
}
