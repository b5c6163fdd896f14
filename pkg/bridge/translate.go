// Copyright 2024-2026 Aiku AI

package bridge

import (
	"github.com/rs/zerolog"
	"go.mau.fi/util/random"

	"github.com/aiku/chatbridge/pkg/format"
	"github.com/aiku/chatbridge/pkg/store"
)

// continuedMarker prefixes every chunk after the first of a split long body.
const continuedMarker = "(continued) "

// quoteExcerptLimit bounds the inline-quote fallback for replies to messages
// that were never relayed.
const quoteExcerptLimit = 80

// Translator converts normalized inbound events into outbound payloads for a
// target platform, going through the shared span representation so the
// conversion stays symmetric regardless of direction.
type Translator struct {
	dialects map[string]format.Dialect
	store    *store.Store
	log      zerolog.Logger
}

// NewTranslator creates a translator over the registered markup dialects.
func NewTranslator(s *store.Store, dialects map[string]format.Dialect, log zerolog.Logger) *Translator {
	return &Translator{
		dialects: dialects,
		store:    s,
		log:      log.With().Str("component", "translator").Logger(),
	}
}

// TranslateCreate converts a Created event into the ordered payload sequence
// for the target platform. Long bodies are split into chunks that the queue
// must deliver in order; only the first chunk's target ID becomes the
// canonical counterpart. Relayed attachment refs ride on the first chunk;
// link-only fallbacks become metadata lines folded into the body before
// chunking so they render on every platform.
func (t *Translator) TranslateCreate(evt NormalizedEvent, identity store.DisplayIdentity, targetPlatform string, caps Capabilities, refs []AttachmentRef) ([]OutboundPayload, error) {
	dialect, ok := t.dialects[targetPlatform]
	if !ok {
		return nil, &TranslationError{Target: targetPlatform, Reason: "no markup dialect registered"}
	}

	body := prefixLabel(evt.Body, identity.Label)
	var native []AttachmentRef
	for _, ref := range refs {
		if ref.LinkOnly {
			body = appendPlain(body, "\n"+LinkLine(ref))
		} else {
			native = append(native, ref)
		}
	}

	replyTarget := ""
	if evt.ReplyToSourceMessageID != "" {
		target, err := t.resolveReplyTarget(evt.SourcePlatform, evt.ReplyToSourceMessageID, targetPlatform)
		if err != nil {
			t.log.Error().Err(err).
				Str("reply_to", evt.ReplyToSourceMessageID).
				Msg("Reply correlation lookup failed, falling back to inline quote")
		}
		if target != "" {
			replyTarget = target
		} else {
			// The replied-to message was never relayed (e.g. it was itself
			// an echo). Inline a quoted excerpt instead of a broken link.
			body = prependQuote(body, evt.ReplyToExcerpt)
		}
	}

	tag := t.makeEchoTag(evt, targetPlatform)
	chunks := chunkMessage(body, caps.MaxTextLength)
	payloads := make([]OutboundPayload, 0, len(chunks))
	for i, chunk := range chunks {
		p := OutboundPayload{
			PlainText: chunk.Text,
			Continued: i > 0,
			EchoTag:   tag,
		}
		if len(chunk.Spans) > 0 {
			p.Markup = dialect.Render(chunk)
		}
		if i == 0 {
			p.ReplyToTargetID = replyTarget
			p.Attachments = native
		}
		payloads = append(payloads, p)
	}
	return payloads, nil
}

// TranslateUpdate renders the edited body for the correlated counterpart.
// Returns a nil record when the message was never relayed; the caller drops
// the edit, which is not an error.
func (t *Translator) TranslateUpdate(evt NormalizedEvent, identity store.DisplayIdentity, targetPlatform string, caps Capabilities) (OutboundPayload, *store.CorrelationRecord, error) {
	rec, err := t.store.LookupCorrelation(evt.SourcePlatform, evt.SourceMessageID)
	if err != nil {
		return OutboundPayload{}, nil, err
	}
	if rec == nil || rec.TargetPlatform != targetPlatform {
		return OutboundPayload{}, nil, nil
	}
	dialect, ok := t.dialects[targetPlatform]
	if !ok {
		return OutboundPayload{}, nil, &TranslationError{Target: targetPlatform, Reason: "no markup dialect registered"}
	}

	body := prefixLabel(evt.Body, identity.Label)
	// Edits replace a single existing message; truncate rather than chunk.
	if caps.MaxTextLength > 0 && body.Length() > caps.MaxTextLength {
		body = body.Slice(0, caps.MaxTextLength)
	}

	p := OutboundPayload{
		PlainText: body.Text,
		EchoTag:   t.makeEchoTag(evt, targetPlatform),
	}
	if len(body.Spans) > 0 {
		p.Markup = dialect.Render(body)
	}
	return p, rec, nil
}

// resolveReplyTarget finds the target platform's native ID for a replied-to
// message: forward correlation when the reply targets an original, reverse
// index when it targets the relayed copy itself (whose counterpart is the
// original message). Empty when the message was never part of a relayed pair.
func (t *Translator) resolveReplyTarget(sourcePlatform, messageID, targetPlatform string) (string, error) {
	rec, err := t.store.LookupCorrelation(sourcePlatform, messageID)
	if err != nil {
		return "", err
	}
	if rec != nil && rec.TargetPlatform == targetPlatform {
		return rec.TargetMessageID, nil
	}
	back, err := t.store.LookupByTarget(sourcePlatform, messageID)
	if err != nil {
		return "", err
	}
	if back != nil && back.SourcePlatform == targetPlatform {
		return back.SourceMessageID, nil
	}
	return "", nil
}

func (t *Translator) makeEchoTag(evt NormalizedEvent, targetPlatform string) EchoTag {
	return EchoTag{
		TargetPlatform:  targetPlatform,
		SourcePlatform:  evt.SourcePlatform,
		SourceMessageID: evt.SourceMessageID,
		Nonce:           random.String(12),
	}
}

// prefixLabel prepends the resolved display label to the body, bolding the
// label so attribution stands out on both platforms.
func prefixLabel(body format.Message, label string) format.Message {
	if label == "" {
		return body
	}
	prefix := label + ": "
	shifted := prependPlain(body, prefix)
	labelLen := len([]rune(label))
	shifted.Spans = append(shifted.Spans, format.Span{Start: 0, End: labelLen, Attr: format.AttrBold})
	return format.Normalize(shifted)
}

// prependQuote inlines a quoted excerpt of the replied-to message. With no
// excerpt available the reply context is silently omitted.
func prependQuote(body format.Message, excerpt string) format.Message {
	if excerpt == "" {
		return body
	}
	runes := []rune(excerpt)
	if len(runes) > quoteExcerptLimit {
		excerpt = string(runes[:quoteExcerptLimit]) + "…"
	}
	return prependPlain(body, "> "+excerpt+"\n")
}

// appendPlain puts unformatted text after the body.
func appendPlain(body format.Message, suffix string) format.Message {
	return format.Message{Text: body.Text + suffix, Spans: body.Spans}
}

// prependPlain puts unformatted text before the body, shifting spans.
func prependPlain(body format.Message, prefix string) format.Message {
	shift := len([]rune(prefix))
	out := format.Message{Text: prefix + body.Text}
	for _, sp := range body.Spans {
		out.Spans = append(out.Spans, format.Span{
			Start: sp.Start + shift,
			End:   sp.End + shift,
			Attr:  sp.Attr,
			Href:  sp.Href,
		})
	}
	return out
}

// chunkMessage splits a body into ordered chunks no longer than limit runes,
// preferring to break at whitespace. Chunks after the first carry the
// continued marker.
func chunkMessage(body format.Message, limit int) []format.Message {
	if limit <= 0 || body.Length() <= limit {
		return []format.Message{body}
	}

	markerLen := len([]rune(continuedMarker))
	var chunks []format.Message
	runes := []rune(body.Text)
	start := 0
	for start < len(runes) {
		window := limit
		if len(chunks) > 0 {
			window = limit - markerLen
		}
		end := start + window
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakPoint(runes, start, end)
		}
		chunk := body.Slice(start, end)
		if len(chunks) > 0 {
			chunk = prependPlain(chunk, continuedMarker)
		}
		chunks = append(chunks, chunk)
		start = end
	}
	return chunks
}

// breakPoint backs the cut up to the last whitespace in the window, unless
// that would waste more than half of it.
func breakPoint(runes []rune, start, end int) int {
	for i := end; i > start+(end-start)/2; i-- {
		if runes[i-1] == ' ' || runes[i-1] == '\n' {
			return i
		}
	}
	return end
}
