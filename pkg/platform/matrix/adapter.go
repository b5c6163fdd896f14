// Copyright 2024-2026 Aiku AI

// Package matrix connects the bridge to a Matrix homeserver as a regular
// client over the client-server API.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/chatbridge/pkg/bridge"
	"github.com/aiku/chatbridge/pkg/format"
	"github.com/aiku/chatbridge/pkg/format/matrixfmt"
	"github.com/aiku/chatbridge/pkg/platform"
)

// PlatformName is the stable identifier used in routes and records.
const PlatformName = "matrix"

// echoTagField is the custom event content field carrying the echo tag.
const echoTagField = "fi.aiku.chatbridge.echo"

// eventTextLimit keeps rendered bodies comfortably under the 64 KiB Matrix
// event size cap.
const eventTextLimit = 40000

// Config holds the Matrix connection settings.
type Config struct {
	HomeserverURL string
	UserID        string
	AccessToken   string
	// MaxAttachmentBytes caps native re-uploads; larger files degrade to a
	// link. Zero means the usual homeserver default (50 MB).
	MaxAttachmentBytes int64
}

// Adapter is a single Matrix client connection.
type Adapter struct {
	cfg     Config
	client  *mautrix.Client
	dialect matrixfmt.Dialect
	log     zerolog.Logger

	sink      platform.EventSink
	startTime time.Time

	mu sync.Mutex
	// reactions tracks reaction events: observed inbound ones so a
	// redaction can be reported as a reaction removal, and the bot's own
	// sent ones so React(remove) can find the event to redact.
	reactions map[id.EventID]reactionRef
	ownReacts map[string]id.EventID

	cancelSync context.CancelFunc
	stopOnce   sync.Once
}

type reactionRef struct {
	target id.EventID
	key    string
	sender id.UserID
}

var _ platform.Adapter = (*Adapter)(nil)

// New creates an adapter. It does not connect; call Start.
func New(cfg Config, log zerolog.Logger) (*Adapter, error) {
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = 50 * 1024 * 1024
	}
	client, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	return &Adapter{
		cfg:       cfg,
		client:    client,
		log:       log.With().Str("component", "matrix_adapter").Logger(),
		reactions: make(map[id.EventID]reactionRef),
		ownReacts: make(map[string]id.EventID),
	}, nil
}

func (a *Adapter) Platform() string { return PlatformName }

// Start verifies the session and begins the sync loop.
func (a *Adapter) Start(ctx context.Context, sink platform.EventSink) error {
	a.sink = sink
	a.startTime = time.Now()

	whoami, err := a.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify Matrix session: %w", err)
	}
	a.log.Info().Str("user_id", whoami.UserID.String()).Msg("Authenticated")

	syncer := a.client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, a.handleMessage)
	syncer.OnEventType(event.EventReaction, a.handleReaction)
	syncer.OnEventType(event.EventRedaction, a.handleRedaction)

	syncCtx, cancel := context.WithCancel(ctx)
	a.cancelSync = cancel
	go func() {
		if err := a.client.SyncWithContext(syncCtx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error().Err(err).Msg("Sync loop stopped")
		}
	}()
	return nil
}

// Stop ends the sync loop. Idempotent.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		if a.cancelSync != nil {
			a.cancelSync()
		}
	})
}

// stale reports whether the event predates this session. The initial sync
// replays history; relaying it would duplicate everything.
func (a *Adapter) stale(evt *event.Event) bool {
	return time.UnixMilli(evt.Timestamp).Before(a.startTime)
}

func (a *Adapter) handleMessage(ctx context.Context, evt *event.Event) {
	// Echo prevention: skip the bot's own events.
	if evt.Sender == a.client.UserID {
		return
	}
	if a.stale(evt) {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return
	}

	kind := bridge.KindCreated
	sourceID := evt.ID
	body := content
	if rel := content.RelatesTo; rel != nil && rel.Type == event.RelReplace && content.NewContent != nil {
		kind = bridge.KindEdited
		sourceID = rel.EventID
		body = content.NewContent
	}

	nev := bridge.NormalizedEvent{
		Kind:              kind,
		SourcePlatform:    PlatformName,
		SourceChannelID:   evt.RoomID.String(),
		SourceMessageID:   sourceID.String(),
		AuthorID:          evt.Sender.String(),
		AuthorDisplayName: a.displayName(ctx, evt.RoomID, evt.Sender),
		Timestamp:         time.UnixMilli(evt.Timestamp),
		EchoTag:           echoTagFromContent(evt.Content.Raw),
	}

	if reply := body.RelatesTo.GetReplyTo(); reply != "" {
		nev.ReplyToSourceMessageID = reply.String()
		nev.ReplyToExcerpt = a.replyExcerpt(ctx, evt.RoomID, reply)
		body.RemoveReplyFallback()
	}

	switch body.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		nev.Body = a.parseBody(body)
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		if att, ok := a.fileToAttachment(body); ok {
			nev.Attachments = append(nev.Attachments, att)
		}
		// A caption differs from the filename.
		if body.Body != "" && body.Body != body.GetFileName() {
			nev.Body = format.Message{Text: body.Body}
		}
	default:
		a.log.Trace().Str("msgtype", string(body.MsgType)).Msg("Unhandled message type")
		return
	}

	a.sink.OnEvent(ctx, nev)
}

func (a *Adapter) handleReaction(ctx context.Context, evt *event.Event) {
	if evt.Sender == a.client.UserID || a.stale(evt) {
		return
	}
	content := evt.Content.AsReaction()
	if content == nil || content.RelatesTo.Type != event.RelAnnotation {
		return
	}

	a.mu.Lock()
	a.reactions[evt.ID] = reactionRef{
		target: content.RelatesTo.EventID,
		key:    content.RelatesTo.Key,
		sender: evt.Sender,
	}
	a.mu.Unlock()

	a.sink.OnEvent(ctx, bridge.NormalizedEvent{
		Kind:              bridge.KindReactionAdded,
		SourcePlatform:    PlatformName,
		SourceChannelID:   evt.RoomID.String(),
		SourceMessageID:   content.RelatesTo.EventID.String(),
		AuthorID:          evt.Sender.String(),
		AuthorDisplayName: a.displayName(ctx, evt.RoomID, evt.Sender),
		Emoji:             content.RelatesTo.Key,
		Timestamp:         time.UnixMilli(evt.Timestamp),
	})
}

// handleRedaction reports a message deletion, or a reaction removal when the
// redacted event is a reaction this session has seen.
func (a *Adapter) handleRedaction(ctx context.Context, evt *event.Event) {
	if evt.Sender == a.client.UserID || a.stale(evt) {
		return
	}

	a.mu.Lock()
	ref, isReaction := a.reactions[evt.Redacts]
	if isReaction {
		delete(a.reactions, evt.Redacts)
	}
	a.mu.Unlock()

	if isReaction {
		a.sink.OnEvent(ctx, bridge.NormalizedEvent{
			Kind:            bridge.KindReactionRemoved,
			SourcePlatform:  PlatformName,
			SourceChannelID: evt.RoomID.String(),
			SourceMessageID: ref.target.String(),
			AuthorID:        ref.sender.String(),
			Emoji:           ref.key,
			Timestamp:       time.UnixMilli(evt.Timestamp),
		})
		return
	}

	a.sink.OnEvent(ctx, bridge.NormalizedEvent{
		Kind:            bridge.KindDeleted,
		SourcePlatform:  PlatformName,
		SourceChannelID: evt.RoomID.String(),
		SourceMessageID: evt.Redacts.String(),
		AuthorID:        evt.Sender.String(),
		Timestamp:       time.UnixMilli(evt.Timestamp),
	})
}

func (a *Adapter) parseBody(content *event.MessageEventContent) format.Message {
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		return a.dialect.Parse(content.FormattedBody)
	}
	return format.Message{Text: content.Body}
}

func (a *Adapter) fileToAttachment(content *event.MessageEventContent) (bridge.Attachment, bool) {
	uri, err := content.URL.Parse()
	if err != nil {
		a.log.Warn().Err(err).Msg("Attachment has invalid content URI")
		return bridge.Attachment{}, false
	}
	att := bridge.Attachment{
		URL:      a.mediaDownloadURL(uri),
		Filename: content.GetFileName(),
		Header:   http.Header{"Authorization": []string{"Bearer " + a.cfg.AccessToken}},
	}
	if content.Info != nil {
		att.MimeType = content.Info.MimeType
		att.ByteSize = int64(content.Info.Size)
	}
	return att, true
}

// mediaDownloadURL builds the authenticated media endpoint URL for an MXC URI.
func (a *Adapter) mediaDownloadURL(uri id.ContentURI) string {
	return fmt.Sprintf("%s/_matrix/client/v1/media/download/%s/%s",
		a.cfg.HomeserverURL, uri.Homeserver, uri.FileID)
}

// echoTagFromContent extracts the bridge's echo tag from raw event content.
func echoTagFromContent(raw map[string]any) *bridge.EchoTag {
	val, ok := raw[echoTagField]
	if !ok {
		return nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return nil
	}
	var tag bridge.EchoTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil
	}
	return &tag
}

// displayName resolves the sender's name in the room, falling back to empty
// so the identity mapper uses the user ID.
func (a *Adapter) displayName(ctx context.Context, roomID id.RoomID, userID id.UserID) string {
	if a.client.StateStore != nil {
		member, err := a.client.StateStore.GetMember(ctx, roomID, userID)
		if err == nil && member != nil && member.Displayname != "" {
			return member.Displayname
		}
	}
	resp, err := a.client.GetDisplayName(ctx, userID)
	if err != nil || resp == nil {
		return ""
	}
	return resp.DisplayName
}

// Send posts the text event, then one file event per native attachment. The
// returned ID is the text event's; it is the canonical counterpart.
func (a *Adapter) Send(ctx context.Context, channelID string, payload bridge.OutboundPayload) (string, error) {
	roomID := id.RoomID(channelID)

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    payload.PlainText,
	}
	if payload.Markup != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = payload.Markup
	}
	if payload.ReplyToTargetID != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(payload.ReplyToTargetID)},
		}
	}

	resp, err := a.client.SendMessageEvent(ctx, roomID, event.EventMessage, a.withEchoTag(content, payload.EchoTag))
	if err != nil {
		return "", classify("send", err)
	}

	for _, ref := range payload.Attachments {
		if err := a.sendFile(ctx, roomID, ref, payload.EchoTag); err != nil {
			a.log.Warn().Err(err).Str("filename", ref.Filename).Msg("Failed to send attachment event")
		}
	}
	return resp.EventID.String(), nil
}

func (a *Adapter) sendFile(ctx context.Context, roomID id.RoomID, ref bridge.AttachmentRef, tag bridge.EchoTag) error {
	content := &event.MessageEventContent{
		MsgType: msgTypeForMime(ref.MimeType),
		Body:    ref.Filename,
		URL:     id.ContentURIString(ref.NativeID),
		Info: &event.FileInfo{
			MimeType: ref.MimeType,
			Size:     int(ref.ByteSize),
		},
	}
	_, err := a.client.SendMessageEvent(ctx, roomID, event.EventMessage, a.withEchoTag(content, tag))
	if err != nil {
		return classify("send_file", err)
	}
	return nil
}

func msgTypeForMime(mimeType string) event.MessageType {
	switch {
	case len(mimeType) >= 6 && mimeType[:6] == "image/":
		return event.MsgImage
	case len(mimeType) >= 6 && mimeType[:6] == "video/":
		return event.MsgVideo
	case len(mimeType) >= 6 && mimeType[:6] == "audio/":
		return event.MsgAudio
	default:
		return event.MsgFile
	}
}

// withEchoTag wraps content so the echo tag serializes as a top-level field.
func (a *Adapter) withEchoTag(content *event.MessageEventContent, tag bridge.EchoTag) *event.Content {
	return &event.Content{
		Parsed: content,
		Raw:    map[string]any{echoTagField: tag},
	}
}

// Edit sends an m.replace event targeting the counterpart message.
func (a *Adapter) Edit(ctx context.Context, channelID, messageID string, payload bridge.OutboundPayload) error {
	inner := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    payload.PlainText,
	}
	if payload.Markup != "" {
		inner.Format = event.FormatHTML
		inner.FormattedBody = payload.Markup
	}
	content := &event.MessageEventContent{
		MsgType:    event.MsgText,
		Body:       "* " + payload.PlainText,
		NewContent: inner,
		RelatesTo: &event.RelatesTo{
			Type:    event.RelReplace,
			EventID: id.EventID(messageID),
		},
	}
	if payload.Markup != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = "* " + payload.Markup
	}
	_, err := a.client.SendMessageEvent(ctx, id.RoomID(channelID), event.EventMessage, a.withEchoTag(content, payload.EchoTag))
	if err != nil {
		return classify("edit", err)
	}
	return nil
}

// Delete redacts the counterpart message.
func (a *Adapter) Delete(ctx context.Context, channelID, messageID string) error {
	_, err := a.client.RedactEvent(ctx, id.RoomID(channelID), id.EventID(messageID))
	if err != nil {
		return classify("delete", err)
	}
	return nil
}

// React sends or redacts an annotation event.
func (a *Adapter) React(ctx context.Context, channelID, messageID, emoji string, add bool) error {
	roomID := id.RoomID(channelID)
	key := messageID + "\x00" + emoji

	if add {
		resp, err := a.client.SendMessageEvent(ctx, roomID, event.EventReaction, &event.ReactionEventContent{
			RelatesTo: event.RelatesTo{
				Type:    event.RelAnnotation,
				EventID: id.EventID(messageID),
				Key:     emoji,
			},
		})
		if err != nil {
			return classify("react", err)
		}
		a.mu.Lock()
		a.ownReacts[key] = resp.EventID
		a.mu.Unlock()
		return nil
	}

	a.mu.Lock()
	reactionID, ok := a.ownReacts[key]
	if ok {
		delete(a.ownReacts, key)
	}
	a.mu.Unlock()
	if !ok {
		// Nothing to remove; the reaction was never mirrored this session.
		return nil
	}
	if _, err := a.client.RedactEvent(ctx, roomID, reactionID); err != nil {
		return classify("unreact", err)
	}
	return nil
}

// UploadAttachment publishes bytes to the homeserver's media repository.
func (a *Adapter) UploadAttachment(ctx context.Context, channelID, filename, mimeType string, data []byte) (bridge.AttachmentRef, error) {
	resp, err := a.client.UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: data,
		ContentType:  mimeType,
		FileName:     filename,
	})
	if err != nil {
		return bridge.AttachmentRef{}, classify("upload", err)
	}
	return bridge.AttachmentRef{
		NativeID: resp.ContentURI.String(),
		Filename: filename,
		MimeType: mimeType,
		ByteSize: int64(len(data)),
	}, nil
}

// Capabilities reports Matrix's limits.
func (a *Adapter) Capabilities() bridge.Capabilities {
	return bridge.Capabilities{
		MaxTextLength:      eventTextLimit,
		NativeReactions:    true,
		MaxAttachmentBytes: a.cfg.MaxAttachmentBytes,
	}
}

// replyExcerpt fetches the replied-to event's body, best effort.
func (a *Adapter) replyExcerpt(ctx context.Context, roomID id.RoomID, eventID id.EventID) string {
	evt, err := a.client.GetEvent(ctx, roomID, eventID)
	if err != nil {
		return ""
	}
	if err := evt.Content.ParseRaw(event.EventMessage); err != nil {
		return ""
	}
	if msg := evt.Content.AsMessage(); msg != nil {
		return msg.Body
	}
	return ""
}

// classify maps a Matrix API failure to its retry class by HTTP status.
func classify(op string, err error) error {
	var httpErr mautrix.HTTPError
	if errors.As(err, &httpErr) && httpErr.Response != nil {
		switch code := httpErr.Response.StatusCode; {
		case code == http.StatusTooManyRequests:
			return bridge.Transient(PlatformName, op, err)
		case code >= 500:
			return bridge.Transient(PlatformName, op, err)
		case code >= 400:
			return bridge.Permanent(PlatformName, op, err)
		}
	}
	return bridge.Transient(PlatformName, op, err)
}
