// Copyright 2024-2026 Aiku AI

package format

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	t.Parallel()
	m := Normalize(Message{
		Text: "hello world",
		Spans: []Span{
			{Start: 6, End: 11, Attr: AttrItalic},
			{Start: 0, End: 5, Attr: AttrBold},
			{Start: 3, End: 3, Attr: AttrCode},   // empty, dropped
			{Start: -1, End: 4, Attr: AttrCode},  // negative start, dropped
			{Start: 9, End: 99, Attr: AttrStrike}, // clamped to text length
		},
	})
	want := []Span{
		{Start: 0, End: 5, Attr: AttrBold},
		{Start: 6, End: 11, Attr: AttrItalic},
		{Start: 9, End: 11, Attr: AttrStrike},
	}
	if !reflect.DeepEqual(m.Spans, want) {
		t.Errorf("Normalize spans: got %+v, want %+v", m.Spans, want)
	}
}

func TestNormalize_EqualRangeOrderedByAttr(t *testing.T) {
	t.Parallel()
	m := Normalize(Message{
		Text: "x",
		Spans: []Span{
			{Start: 0, End: 1, Attr: AttrLink, Href: "https://example.com"},
			{Start: 0, End: 1, Attr: AttrBold},
		},
	})
	if m.Spans[0].Attr != AttrBold || m.Spans[1].Attr != AttrLink {
		t.Errorf("equal-range spans not ordered by attr: %+v", m.Spans)
	}
}

func TestSlice(t *testing.T) {
	t.Parallel()
	m := Message{
		Text: "hello world",
		Spans: []Span{
			{Start: 0, End: 5, Attr: AttrBold},
			{Start: 6, End: 11, Attr: AttrItalic},
		},
	}

	left := m.Slice(0, 6)
	if left.Text != "hello " {
		t.Errorf("left text: got %q", left.Text)
	}
	if len(left.Spans) != 1 || left.Spans[0] != (Span{Start: 0, End: 5, Attr: AttrBold}) {
		t.Errorf("left spans: got %+v", left.Spans)
	}

	right := m.Slice(6, 11)
	if right.Text != "world" {
		t.Errorf("right text: got %q", right.Text)
	}
	if len(right.Spans) != 1 || right.Spans[0] != (Span{Start: 0, End: 5, Attr: AttrItalic}) {
		t.Errorf("right spans: got %+v", right.Spans)
	}
}

func TestSlice_CutsThroughSpan(t *testing.T) {
	t.Parallel()
	m := Message{
		Text:  "abcdef",
		Spans: []Span{{Start: 1, End: 5, Attr: AttrBold}},
	}
	chunk := m.Slice(0, 3)
	if len(chunk.Spans) != 1 || chunk.Spans[0] != (Span{Start: 1, End: 3, Attr: AttrBold}) {
		t.Errorf("cut span: got %+v", chunk.Spans)
	}
}

func TestSlice_MultibyteRunes(t *testing.T) {
	t.Parallel()
	m := Message{Text: "héllo wörld"}
	chunk := m.Slice(6, 11)
	if chunk.Text != "wörld" {
		t.Errorf("multibyte slice: got %q", chunk.Text)
	}
}

func TestRenderSpans_Nesting(t *testing.T) {
	t.Parallel()
	m := Message{
		Text: "abcde",
		Spans: []Span{
			{Start: 0, End: 5, Attr: AttrBold},
			{Start: 2, End: 4, Attr: AttrItalic},
		},
	}
	got := RenderSpans(m,
		func(sp Span) string { return "<" + string(sp.Attr) + ">" },
		func(sp Span) string { return "</" + string(sp.Attr) + ">" },
		func(_ Span, s string) string { return s },
	)
	want := "<bold>ab<italic>cd</italic>e</bold>"
	if got != want {
		t.Errorf("RenderSpans: got %q, want %q", got, want)
	}
}

func TestRenderSpans_OverlapDropped(t *testing.T) {
	t.Parallel()
	// Overlapping (not nested) spans: the second loses its markup but the
	// text must survive intact.
	m := Message{
		Text: "abcdef",
		Spans: []Span{
			{Start: 0, End: 4, Attr: AttrBold},
			{Start: 2, End: 6, Attr: AttrItalic},
		},
	}
	got := RenderSpans(m,
		func(sp Span) string { return "[" },
		func(sp Span) string { return "]" },
		func(_ Span, s string) string { return s },
	)
	if got != "[abcd]ef" {
		t.Errorf("overlap render: got %q", got)
	}
}

func TestLength(t *testing.T) {
	t.Parallel()
	if got := (Message{Text: "héllo"}).Length(); got != 5 {
		t.Errorf("Length: got %d, want 5", got)
	}
}
