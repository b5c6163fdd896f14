// Copyright 2024-2026 Aiku AI

// Package format defines the platform-neutral formatting representation used
// to translate message markup between platforms. A message body is plain text
// plus an ordered list of attribute spans over rune offsets; each platform
// dialect converts between this representation and its native markup. Keeping
// the dialects symmetric around one intermediate form means a conversion is
// always dialect-in, dialect-out, never a pairwise rewrite.
package format

import (
	"sort"
	"strings"
)

// Attr identifies a formatting attribute applied to a span of text.
type Attr string

const (
	AttrBold   Attr = "bold"
	AttrItalic Attr = "italic"
	AttrCode   Attr = "code"
	AttrStrike Attr = "strike"
	AttrLink   Attr = "link"
)

// Span marks the half-open rune range [Start, End) of a message body as
// carrying a formatting attribute. Href is set for AttrLink only.
type Span struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Attr  Attr   `json:"attr"`
	Href  string `json:"href,omitempty"`
}

// Message is a plain-text body with formatting spans. Offsets are rune
// offsets into Text. Spans are either disjoint or properly nested.
type Message struct {
	Text  string `json:"text"`
	Spans []Span `json:"spans,omitempty"`
}

// Dialect converts between a platform's native markup and the span
// representation. Parse(Render(m)) must return m (after Normalize) for any
// message built from the supported attribute set.
type Dialect interface {
	// Name returns the dialect's platform name.
	Name() string
	// Render converts a span message to native markup.
	Render(m Message) string
	// Parse converts native markup to a span message. Unknown markup is
	// kept as plain text, never dropped.
	Parse(text string) Message
}

// Normalize sorts spans into canonical order (ascending start, longer spans
// first) and drops spans that are empty or out of range.
func Normalize(m Message) Message {
	textLen := len([]rune(m.Text))
	spans := make([]Span, 0, len(m.Spans))
	for _, sp := range m.Spans {
		if sp.End > textLen {
			sp.End = textLen
		}
		if sp.Start < 0 || sp.Start >= sp.End {
			continue
		}
		spans = append(spans, sp)
	}
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		if spans[i].End != spans[j].End {
			return spans[i].End > spans[j].End
		}
		return spans[i].Attr < spans[j].Attr
	})
	if len(spans) == 0 {
		spans = nil
	}
	return Message{Text: m.Text, Spans: spans}
}

// Slice returns the sub-message covering the rune range [start, end) of m,
// with spans clamped to the range and re-based to offset zero. Used to split
// long bodies into chunks without losing formatting at the cut.
func (m Message) Slice(start, end int) Message {
	runes := []rune(m.Text)
	if start < 0 {
		start = 0
	}
	if end > len(runes) {
		end = len(runes)
	}
	if start >= end {
		return Message{}
	}
	out := Message{Text: string(runes[start:end])}
	for _, sp := range m.Spans {
		s, e := sp.Start, sp.End
		if s < start {
			s = start
		}
		if e > end {
			e = end
		}
		if s >= e {
			continue
		}
		out.Spans = append(out.Spans, Span{Start: s - start, End: e - start, Attr: sp.Attr, Href: sp.Href})
	}
	return out
}

// Length returns the body length in runes.
func (m Message) Length() int {
	return len([]rune(m.Text))
}

// RenderSpans walks the span tree of a normalized message and emits native
// markup using the dialect's open/close tokens. Text outside and between
// spans goes through escape, which receives the innermost enclosing span
// (the zero Span at the top level) so dialects can vary escaping by context,
// e.g. none inside code spans. Spans must be disjoint or properly nested;
// overlapping spans are dropped rather than emitting broken markup.
func RenderSpans(m Message, open, clos func(Span) string, escape func(Span, string) string) string {
	m = Normalize(m)
	runes := []rune(m.Text)
	var b strings.Builder

	var walk func(encl Span, lo, hi int, spans []Span)
	walk = func(encl Span, lo, hi int, spans []Span) {
		pos := lo
		for k := 0; k < len(spans); k++ {
			sp := spans[k]
			if sp.Start < pos || sp.Start >= hi {
				continue
			}
			end := sp.End
			if end > hi {
				end = hi
			}
			b.WriteString(escape(encl, string(runes[pos:sp.Start])))
			b.WriteString(open(sp))
			var inner []Span
			next := k + 1
			for next < len(spans) && spans[next].Start < end {
				if spans[next].End <= end {
					inner = append(inner, spans[next])
				}
				next++
			}
			walk(sp, sp.Start, end, inner)
			b.WriteString(clos(sp))
			pos = end
			k = next - 1
		}
		b.WriteString(escape(encl, string(runes[pos:hi])))
	}
	walk(Span{}, 0, len(runes), m.Spans)
	return b.String()
}
