// Copyright 2024-2026 Aiku AI

package bridge

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/chatbridge/pkg/format"
	"github.com/aiku/chatbridge/pkg/format/matrixfmt"
	"github.com/aiku/chatbridge/pkg/format/mattermostfmt"
	"github.com/aiku/chatbridge/pkg/store"
)

func openBridgeStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "bridge.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDialects() map[string]format.Dialect {
	return map[string]format.Dialect{
		"matrix":     matrixfmt.Dialect{},
		"mattermost": mattermostfmt.Dialect{},
	}
}

func newTestTranslator(t *testing.T) (*Translator, *store.Store) {
	t.Helper()
	s := openBridgeStore(t)
	return NewTranslator(s, testDialects(), zerolog.Nop()), s
}

func alice() store.DisplayIdentity {
	return store.DisplayIdentity{Label: "[matrix] alice"}
}

func createdEvent(text string) NormalizedEvent {
	return NormalizedEvent{
		Kind:            KindCreated,
		SourcePlatform:  "matrix",
		SourceChannelID: "!room",
		SourceMessageID: "$evt1",
		AuthorID:        "@alice:example.com",
		Body:            format.Message{Text: text},
		Timestamp:       time.Now(),
	}
}

func TestTranslateCreateLabelPrefix(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTranslator(t)

	payloads, err := tr.TranslateCreate(createdEvent("hello"), alice(), "mattermost", Capabilities{}, nil)
	if err != nil {
		t.Fatalf("TranslateCreate: %v", err)
	}
	if len(payloads) != 1 {
		t.Fatalf("got %d payloads, want 1", len(payloads))
	}
	p := payloads[0]
	if p.PlainText != "[matrix] alice: hello" {
		t.Errorf("PlainText = %q", p.PlainText)
	}
	// The label is bolded, so the mattermost rendering carries **.
	if !strings.HasPrefix(p.Markup, "**[matrix] alice**: ") {
		t.Errorf("Markup = %q, want bolded label prefix", p.Markup)
	}
	if p.EchoTag.TargetPlatform != "mattermost" || p.EchoTag.SourcePlatform != "matrix" {
		t.Errorf("EchoTag = %+v", p.EchoTag)
	}
	if p.EchoTag.Nonce == "" {
		t.Error("EchoTag.Nonce empty")
	}
}

func TestTranslateCreatePreservesFormatting(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTranslator(t)

	evt := createdEvent("bold and link")
	evt.Body.Spans = []format.Span{
		{Start: 0, End: 4, Attr: format.AttrBold},
		{Start: 9, End: 13, Attr: format.AttrLink, Href: "https://example.com"},
	}

	payloads, err := tr.TranslateCreate(evt, store.DisplayIdentity{}, "mattermost", Capabilities{}, nil)
	if err != nil {
		t.Fatalf("TranslateCreate: %v", err)
	}
	want := "**bold** and [link](https://example.com)"
	if payloads[0].Markup != want {
		t.Errorf("Markup = %q, want %q", payloads[0].Markup, want)
	}
}

func TestTranslateCreateUnknownDialect(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTranslator(t)

	_, err := tr.TranslateCreate(createdEvent("hi"), alice(), "irc", Capabilities{}, nil)
	var te *TranslationError
	if err == nil || !asTranslationError(err, &te) {
		t.Fatalf("err = %v, want TranslationError", err)
	}
	if te.Target != "irc" {
		t.Errorf("Target = %q", te.Target)
	}
}

func asTranslationError(err error, out **TranslationError) bool {
	te, ok := err.(*TranslationError)
	if ok {
		*out = te
	}
	return ok
}

func TestTranslateCreateChunksLongBody(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTranslator(t)

	words := make([]string, 200)
	for i := range words {
		words[i] = "word"
	}
	evt := createdEvent(strings.Join(words, " "))

	payloads, err := tr.TranslateCreate(evt, store.DisplayIdentity{}, "mattermost", Capabilities{MaxTextLength: 100}, nil)
	if err != nil {
		t.Fatalf("TranslateCreate: %v", err)
	}
	if len(payloads) < 2 {
		t.Fatalf("got %d payloads, want chunking", len(payloads))
	}
	var rebuilt strings.Builder
	for i, p := range payloads {
		if n := len([]rune(p.PlainText)); n > 100 {
			t.Errorf("chunk %d is %d runes, over the limit", i, n)
		}
		if i == 0 {
			if p.Continued {
				t.Error("first chunk marked continued")
			}
			rebuilt.WriteString(p.PlainText)
			continue
		}
		if !p.Continued {
			t.Errorf("chunk %d not marked continued", i)
		}
		if !strings.HasPrefix(p.PlainText, continuedMarker) {
			t.Errorf("chunk %d missing marker: %q", i, p.PlainText)
		}
		rebuilt.WriteString(strings.TrimPrefix(p.PlainText, continuedMarker))
	}
	if rebuilt.String() != evt.Body.Text {
		t.Error("concatenated chunks do not reproduce the original body")
	}
}

func TestTranslateCreateChunkingPreservesSpans(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTranslator(t)

	evt := createdEvent(strings.Repeat("a", 50) + " " + strings.Repeat("b", 30))
	// A span entirely inside the second chunk must survive re-based.
	evt.Body.Spans = []format.Span{{Start: 55, End: 65, Attr: format.AttrBold}}

	payloads, err := tr.TranslateCreate(evt, store.DisplayIdentity{}, "mattermost", Capabilities{MaxTextLength: 60}, nil)
	if err != nil {
		t.Fatalf("TranslateCreate: %v", err)
	}
	if len(payloads) != 2 {
		t.Fatalf("got %d payloads, want 2", len(payloads))
	}
	if payloads[0].Markup != "" {
		t.Errorf("first chunk has markup %q, want plain", payloads[0].Markup)
	}
	if !strings.Contains(payloads[1].Markup, "**") {
		t.Errorf("second chunk lost its bold span: %q", payloads[1].Markup)
	}
}

func TestTranslateCreateReplyWithCorrelation(t *testing.T) {
	t.Parallel()
	tr, s := newTestTranslator(t)

	if err := s.RecordCorrelation(store.CorrelationRecord{
		SourcePlatform:  "matrix",
		SourceMessageID: "$orig",
		TargetPlatform:  "mattermost",
		TargetMessageID: "post123",
		TargetChannelID: "chan1",
	}); err != nil {
		t.Fatalf("RecordCorrelation: %v", err)
	}

	evt := createdEvent("replying")
	evt.ReplyToSourceMessageID = "$orig"
	payloads, err := tr.TranslateCreate(evt, store.DisplayIdentity{}, "mattermost", Capabilities{}, nil)
	if err != nil {
		t.Fatalf("TranslateCreate: %v", err)
	}
	if payloads[0].ReplyToTargetID != "post123" {
		t.Errorf("ReplyToTargetID = %q, want post123", payloads[0].ReplyToTargetID)
	}
	if strings.Contains(payloads[0].PlainText, ">") {
		t.Errorf("native reply should not fall back to inline quote: %q", payloads[0].PlainText)
	}
}

func TestTranslateCreateReplyToRelayedCopy(t *testing.T) {
	t.Parallel()
	tr, s := newTestTranslator(t)

	// $m1 was relayed to mattermost as post123. A mattermost user replying
	// to post123 should get a native matrix reply to $m1, not a quote.
	if err := s.RecordCorrelation(store.CorrelationRecord{
		SourcePlatform:  "matrix",
		SourceMessageID: "$m1",
		TargetPlatform:  "mattermost",
		TargetMessageID: "post123",
		TargetChannelID: "chan1",
	}); err != nil {
		t.Fatalf("RecordCorrelation: %v", err)
	}

	evt := NormalizedEvent{
		Kind:                   KindCreated,
		SourcePlatform:         "mattermost",
		SourceChannelID:        "chan1",
		SourceMessageID:        "post456",
		AuthorID:               "bob",
		Body:                   format.Message{Text: "replying"},
		ReplyToSourceMessageID: "post123",
		ReplyToExcerpt:         "the original text",
		Timestamp:              time.Now(),
	}
	payloads, err := tr.TranslateCreate(evt, store.DisplayIdentity{}, "matrix", Capabilities{}, nil)
	if err != nil {
		t.Fatalf("TranslateCreate: %v", err)
	}
	if payloads[0].ReplyToTargetID != "$m1" {
		t.Errorf("ReplyToTargetID = %q, want $m1", payloads[0].ReplyToTargetID)
	}
	if strings.Contains(payloads[0].PlainText, "> ") {
		t.Errorf("native reply should not fall back to inline quote: %q", payloads[0].PlainText)
	}
}

func TestTranslateCreateReplyFallbackQuote(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTranslator(t)

	evt := createdEvent("replying")
	evt.ReplyToSourceMessageID = "$never-relayed"
	evt.ReplyToExcerpt = "the original text"
	payloads, err := tr.TranslateCreate(evt, store.DisplayIdentity{}, "mattermost", Capabilities{}, nil)
	if err != nil {
		t.Fatalf("TranslateCreate: %v", err)
	}
	if payloads[0].ReplyToTargetID != "" {
		t.Errorf("ReplyToTargetID = %q, want empty", payloads[0].ReplyToTargetID)
	}
	if !strings.HasPrefix(payloads[0].PlainText, "> the original text\n") {
		t.Errorf("PlainText = %q, want inline quote prefix", payloads[0].PlainText)
	}
}

func TestTranslateCreateReplyFallbackTruncatesExcerpt(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTranslator(t)

	evt := createdEvent("replying")
	evt.ReplyToSourceMessageID = "$gone"
	evt.ReplyToExcerpt = strings.Repeat("x", 200)
	payloads, err := tr.TranslateCreate(evt, store.DisplayIdentity{}, "mattermost", Capabilities{}, nil)
	if err != nil {
		t.Fatalf("TranslateCreate: %v", err)
	}
	firstLine, _, _ := strings.Cut(payloads[0].PlainText, "\n")
	if n := len([]rune(firstLine)); n > quoteExcerptLimit+3 {
		t.Errorf("quote line is %d runes: %q", n, firstLine)
	}
	if !strings.HasSuffix(firstLine, "…") {
		t.Errorf("truncated quote missing ellipsis: %q", firstLine)
	}
}

func TestTranslateCreateAttachmentRefs(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTranslator(t)

	refs := []AttachmentRef{
		{NativeID: "file1", Filename: "cat.png", MimeType: "image/png"},
		{LinkOnly: true, Filename: "huge.iso", ByteSize: 5 << 30, URL: "https://src.example/huge.iso"},
	}
	payloads, err := tr.TranslateCreate(createdEvent("see files"), store.DisplayIdentity{}, "mattermost", Capabilities{}, refs)
	if err != nil {
		t.Fatalf("TranslateCreate: %v", err)
	}
	p := payloads[0]
	if len(p.Attachments) != 1 || p.Attachments[0].NativeID != "file1" {
		t.Errorf("Attachments = %+v, want only the native ref", p.Attachments)
	}
	if !strings.Contains(p.PlainText, "huge.iso") || !strings.Contains(p.PlainText, "https://src.example/huge.iso") {
		t.Errorf("link fallback line missing from body: %q", p.PlainText)
	}
}

func TestTranslateUpdateNeverRelayed(t *testing.T) {
	t.Parallel()
	tr, _ := newTestTranslator(t)

	evt := createdEvent("edited text")
	evt.Kind = KindEdited
	_, rec, err := tr.TranslateUpdate(evt, alice(), "mattermost", Capabilities{})
	if err != nil {
		t.Fatalf("TranslateUpdate: %v", err)
	}
	if rec != nil {
		t.Fatalf("rec = %+v, want nil for unrelayed message", rec)
	}
}

func TestTranslateUpdateCorrelated(t *testing.T) {
	t.Parallel()
	tr, s := newTestTranslator(t)

	if err := s.RecordCorrelation(store.CorrelationRecord{
		SourcePlatform:  "matrix",
		SourceMessageID: "$evt1",
		TargetPlatform:  "mattermost",
		TargetMessageID: "post9",
		TargetChannelID: "chan1",
	}); err != nil {
		t.Fatalf("RecordCorrelation: %v", err)
	}

	evt := createdEvent("new body")
	evt.Kind = KindEdited
	p, rec, err := tr.TranslateUpdate(evt, alice(), "mattermost", Capabilities{})
	if err != nil {
		t.Fatalf("TranslateUpdate: %v", err)
	}
	if rec == nil || rec.TargetMessageID != "post9" {
		t.Fatalf("rec = %+v", rec)
	}
	if p.PlainText != "[matrix] alice: new body" {
		t.Errorf("PlainText = %q", p.PlainText)
	}
}

func TestTranslateUpdateTruncatesInsteadOfChunking(t *testing.T) {
	t.Parallel()
	tr, s := newTestTranslator(t)

	if err := s.RecordCorrelation(store.CorrelationRecord{
		SourcePlatform:  "matrix",
		SourceMessageID: "$evt1",
		TargetPlatform:  "mattermost",
		TargetMessageID: "post9",
		TargetChannelID: "chan1",
	}); err != nil {
		t.Fatalf("RecordCorrelation: %v", err)
	}

	evt := createdEvent(strings.Repeat("z", 500))
	evt.Kind = KindEdited
	p, _, err := tr.TranslateUpdate(evt, store.DisplayIdentity{}, "mattermost", Capabilities{MaxTextLength: 100})
	if err != nil {
		t.Fatalf("TranslateUpdate: %v", err)
	}
	if n := len([]rune(p.PlainText)); n != 100 {
		t.Errorf("edit body is %d runes, want truncation to 100", n)
	}
}

func TestChunkMessageNoLimit(t *testing.T) {
	t.Parallel()
	body := format.Message{Text: strings.Repeat("q", 5000)}
	chunks := chunkMessage(body, 0)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks with no limit, want 1", len(chunks))
	}
}

func TestLinkLine(t *testing.T) {
	t.Parallel()
	got := LinkLine(AttachmentRef{Filename: "a.bin", ByteSize: 1536, URL: "https://x/a.bin"})
	if got != "a.bin (1.5 KB): https://x/a.bin" {
		t.Errorf("LinkLine = %q", got)
	}
	got = LinkLine(AttachmentRef{Filename: "b.txt", URL: "https://x/b.txt"})
	if got != "b.txt: https://x/b.txt" {
		t.Errorf("LinkLine = %q", got)
	}
}
