// Copyright 2024-2026 Aiku AI

// Package mattermostfmt converts between Mattermost markdown and the shared
// span representation.
package mattermostfmt

import (
	"strings"
	"unicode/utf8"

	"github.com/aiku/chatbridge/pkg/format"
)

// Dialect implements format.Dialect for Mattermost markdown.
type Dialect struct{}

func (Dialect) Name() string { return "mattermost" }

// Render converts a span message to Mattermost markdown. Literal delimiter
// characters in the text are backslash-escaped so they survive the round
// trip instead of turning into unintended markup.
func (Dialect) Render(m format.Message) string {
	return format.RenderSpans(m, openToken, closeToken, escapeMarkdown)
}

// markdownSpecials are the delimiter characters Render escapes in text.
const markdownSpecials = "\\*_~`["

// escapeMarkdown backslash-escapes delimiter characters. Code span content
// is left alone: backslash escapes do not apply inside backticks.
func escapeMarkdown(encl format.Span, s string) string {
	if encl.Attr == format.AttrCode || !strings.ContainsAny(s, markdownSpecials) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for _, r := range s {
		if strings.ContainsRune(markdownSpecials, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func openToken(sp format.Span) string {
	switch sp.Attr {
	case format.AttrBold:
		return "**"
	case format.AttrItalic:
		return "_"
	case format.AttrStrike:
		return "~~"
	case format.AttrCode:
		return "`"
	case format.AttrLink:
		return "["
	}
	return ""
}

func closeToken(sp format.Span) string {
	switch sp.Attr {
	case format.AttrBold:
		return "**"
	case format.AttrItalic:
		return "_"
	case format.AttrStrike:
		return "~~"
	case format.AttrCode:
		return "`"
	case format.AttrLink:
		return "](" + sp.Href + ")"
	}
	return ""
}

// Parse converts Mattermost markdown to a span message. Unterminated
// delimiters are kept as literal text.
func (Dialect) Parse(text string) format.Message {
	p := &parser{src: text}
	p.parse("")
	return format.Normalize(format.Message{Text: string(p.out), Spans: p.spans})
}

// parser is a single-pass scanner over markdown source. Byte positions index
// src; span offsets are rune offsets into out.
type parser struct {
	src   string
	pos   int
	out   []rune
	spans []format.Span
}

// parse consumes input until EOF or until stop appears at the current
// position. The stop token itself is left unconsumed.
func (p *parser) parse(stop string) {
	for p.pos < len(p.src) {
		if stop != "" && strings.HasPrefix(p.src[p.pos:], stop) {
			return
		}
		rest := p.src[p.pos:]
		switch {
		case strings.HasPrefix(rest, "\\") && len(rest) > 1:
			// Backslash escape: the next rune is literal.
			r, size := utf8.DecodeRuneInString(rest[1:])
			p.out = append(p.out, r)
			p.pos += 1 + size
		case strings.HasPrefix(rest, "**"):
			if !p.span("**", format.AttrBold) {
				p.literal(2)
			}
		case strings.HasPrefix(rest, "~~"):
			if !p.span("~~", format.AttrStrike) {
				p.literal(2)
			}
		case strings.HasPrefix(rest, "`"):
			if !p.code() {
				p.literal(1)
			}
		case strings.HasPrefix(rest, "_"):
			if !p.span("_", format.AttrItalic) {
				p.literal(1)
			}
		case strings.HasPrefix(rest, "["):
			if !p.link() {
				p.literal(1)
			}
		default:
			r, size := utf8.DecodeRuneInString(rest)
			p.out = append(p.out, r)
			p.pos += size
		}
	}
}

// literal copies n source bytes to the output verbatim.
func (p *parser) literal(n int) {
	p.out = append(p.out, []rune(p.src[p.pos:p.pos+n])...)
	p.pos += n
}

// span consumes a tok-delimited inline span, recursing into its body for
// nested markup. Returns false if no closing delimiter exists.
func (p *parser) span(tok string, attr format.Attr) bool {
	if !strings.Contains(p.src[p.pos+len(tok):], tok) {
		return false
	}
	p.pos += len(tok)
	start := len(p.out)
	p.parse(tok)
	if strings.HasPrefix(p.src[p.pos:], tok) {
		p.pos += len(tok)
	}
	if len(p.out) > start {
		p.spans = append(p.spans, format.Span{Start: start, End: len(p.out), Attr: attr})
	}
	return true
}

// code consumes an inline code span. Content is literal, no nested markup.
func (p *parser) code() bool {
	rest := p.src[p.pos+1:]
	idx := strings.Index(rest, "`")
	if idx < 0 {
		return false
	}
	start := len(p.out)
	p.out = append(p.out, []rune(rest[:idx])...)
	if len(p.out) > start {
		p.spans = append(p.spans, format.Span{Start: start, End: len(p.out), Attr: format.AttrCode})
	}
	p.pos += 1 + idx + 1
	return true
}

// link consumes a [text](href) link, recursing into the link text.
func (p *parser) link() bool {
	rest := p.src[p.pos+1:]
	mid := strings.Index(rest, "](")
	if mid < 0 {
		return false
	}
	end := strings.Index(rest[mid+2:], ")")
	if end < 0 {
		return false
	}
	inner := rest[:mid]
	href := rest[mid+2 : mid+2+end]

	start := len(p.out)
	sub := &parser{src: inner, out: p.out, spans: p.spans}
	sub.parse("")
	p.out = sub.out
	p.spans = sub.spans
	if len(p.out) > start {
		p.spans = append(p.spans, format.Span{Start: start, End: len(p.out), Attr: format.AttrLink, Href: href})
	}
	p.pos += 1 + mid + 2 + end + 1
	return true
}
