// Copyright 2024-2026 Aiku AI

// Package mattermost connects the bridge to a Mattermost server over the
// REST API and the WebSocket event stream.
package mattermost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/chatbridge/pkg/bridge"
	"github.com/aiku/chatbridge/pkg/format/mattermostfmt"
	"github.com/aiku/chatbridge/pkg/platform"
)

// PlatformName is the stable identifier used in routes and records.
const PlatformName = "mattermost"

// echoProp is the post prop carrying the bridge's echo tag.
const echoProp = "chatbridge_echo"

// Config holds the Mattermost connection settings.
type Config struct {
	ServerURL string
	Token     string
	// MaxAttachmentBytes caps native re-uploads; larger files degrade to a
	// link. Zero means the server default (100 MB).
	MaxAttachmentBytes int64
}

// Adapter is a single authenticated Mattermost bot connection.
type Adapter struct {
	cfg     Config
	client  *model.Client4
	ws      *model.WebSocketClient
	dialect mattermostfmt.Dialect
	log     zerolog.Logger

	userID string
	sink   platform.EventSink

	nameMu sync.Mutex
	names  map[string]string

	stopOnce sync.Once
	stopChan chan struct{}
}

var _ platform.Adapter = (*Adapter)(nil)

// New creates an adapter. It does not connect; call Start.
func New(cfg Config, log zerolog.Logger) *Adapter {
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = 100 * 1024 * 1024
	}
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)
	return &Adapter{
		cfg:      cfg,
		client:   client,
		log:      log.With().Str("component", "mm_adapter").Logger(),
		names:    make(map[string]string),
		stopChan: make(chan struct{}),
	}
}

func (a *Adapter) Platform() string { return PlatformName }

// Start verifies the session, connects the WebSocket and begins pushing
// events into sink.
func (a *Adapter) Start(ctx context.Context, sink platform.EventSink) error {
	a.sink = sink

	me, _, err := a.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify Mattermost session: %w", err)
	}
	a.userID = me.Id
	a.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	if err := a.connectWebSocket(); err != nil {
		return err
	}
	go a.listen(ctx)
	return nil
}

func (a *Adapter) connectWebSocket() error {
	ws, err := model.NewWebSocketClient4(httpToWS(a.cfg.ServerURL), a.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	a.ws = ws
	a.log.Info().Str("ws_url", httpToWS(a.cfg.ServerURL)).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (a *Adapter) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopChan:
			return
		case evt, ok := <-a.ws.EventChannel:
			if !ok {
				a.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				if err := a.reconnect(ctx); err != nil {
					a.log.Error().Err(err).Msg("WebSocket reconnect failed, listener stopped")
					return
				}
				continue
			}
			if evt == nil {
				continue
			}
			a.handleEvent(ctx, evt)
		}
	}
}

func (a *Adapter) reconnect(ctx context.Context) error {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.stopChan:
			return errors.New("adapter stopped")
		case <-time.After(backoff):
		}
		if err := a.connectWebSocket(); err == nil {
			return nil
		} else {
			a.log.Warn().Err(err).Dur("backoff", backoff).Msg("Reconnect attempt failed")
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

// Stop closes the WebSocket and ends the listen loop. Idempotent.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
	})
	if a.ws != nil {
		a.ws.Close()
	}
}

func (a *Adapter) handleEvent(ctx context.Context, evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		a.handlePosted(ctx, evt)
	case model.WebsocketEventPostEdited:
		a.handlePostEdited(ctx, evt)
	case model.WebsocketEventPostDeleted:
		a.handlePostDeleted(ctx, evt)
	case model.WebsocketEventReactionAdded:
		a.handleReaction(ctx, evt, bridge.KindReactionAdded)
	case model.WebsocketEventReactionRemoved:
		a.handleReaction(ctx, evt, bridge.KindReactionRemoved)
	default:
		a.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// parsePost extracts a post from a WebSocket event, applying the local echo
// layers. Returns (nil, nil) to skip silently.
func (a *Adapter) parsePost(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("event missing post data")
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Echo prevention: skip the bot's own posts.
	if post.UserId == a.userID {
		return nil, nil
	}

	// Echo prevention: skip non-default post types (system messages).
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	return &post, nil
}

// echoTagFromPost extracts the bridge's echo tag from post props when the
// post was authored by another bridge instance.
func echoTagFromPost(post *model.Post) *bridge.EchoTag {
	raw, ok := post.GetProps()[echoProp]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var tag bridge.EchoTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil
	}
	return &tag
}

func (a *Adapter) handlePosted(ctx context.Context, evt *model.WebSocketEvent) {
	post, err := a.parsePost(evt)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to parse posted event")
		return
	}
	if post == nil {
		return
	}

	nev := a.postToEvent(ctx, post, bridge.KindCreated)
	senderName, _ := evt.GetData()["sender_name"].(string)
	if senderName != "" {
		nev.AuthorDisplayName = strings.TrimPrefix(senderName, "@")
	}
	a.sink.OnEvent(ctx, nev)
}

func (a *Adapter) handlePostEdited(ctx context.Context, evt *model.WebSocketEvent) {
	post, err := a.parsePost(evt)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to parse edited event")
		return
	}
	if post == nil {
		return
	}
	a.sink.OnEvent(ctx, a.postToEvent(ctx, post, bridge.KindEdited))
}

func (a *Adapter) handlePostDeleted(ctx context.Context, evt *model.WebSocketEvent) {
	post, err := a.parsePost(evt)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to parse deleted event")
		return
	}
	if post == nil {
		return
	}
	a.sink.OnEvent(ctx, bridge.NormalizedEvent{
		Kind:            bridge.KindDeleted,
		SourcePlatform:  PlatformName,
		SourceChannelID: post.ChannelId,
		SourceMessageID: post.Id,
		AuthorID:        post.UserId,
		Timestamp:       time.UnixMilli(post.DeleteAt),
		EchoTag:         echoTagFromPost(post),
	})
}

func (a *Adapter) handleReaction(ctx context.Context, evt *model.WebSocketEvent, kind bridge.EventKind) {
	reactionJSON, ok := evt.GetData()["reaction"].(string)
	if !ok {
		return
	}
	var reaction model.Reaction
	if err := json.Unmarshal([]byte(reactionJSON), &reaction); err != nil {
		a.log.Error().Err(err).Msg("Failed to unmarshal reaction")
		return
	}

	// Echo prevention: skip the bot's own reactions.
	if reaction.UserId == a.userID {
		return
	}

	a.sink.OnEvent(ctx, bridge.NormalizedEvent{
		Kind:              kind,
		SourcePlatform:    PlatformName,
		SourceChannelID:   evt.GetBroadcast().ChannelId,
		SourceMessageID:   reaction.PostId,
		AuthorID:          reaction.UserId,
		AuthorDisplayName: a.displayName(ctx, reaction.UserId),
		Emoji:             emojiUnicode(reaction.EmojiName),
		Timestamp:         time.UnixMilli(reaction.CreateAt),
	})
}

// postToEvent converts a Mattermost post into the normalized representation,
// parsing its markdown and resolving attachments and reply context.
func (a *Adapter) postToEvent(ctx context.Context, post *model.Post, kind bridge.EventKind) bridge.NormalizedEvent {
	nev := bridge.NormalizedEvent{
		Kind:              kind,
		SourcePlatform:    PlatformName,
		SourceChannelID:   post.ChannelId,
		SourceMessageID:   post.Id,
		AuthorID:          post.UserId,
		AuthorDisplayName: a.displayName(ctx, post.UserId),
		Body:              a.dialect.Parse(post.Message),
		Timestamp:         time.UnixMilli(post.CreateAt),
		EchoTag:           echoTagFromPost(post),
	}
	if kind == bridge.KindEdited {
		nev.Timestamp = time.UnixMilli(post.EditAt)
	}

	if post.RootId != "" && post.RootId != post.Id {
		nev.ReplyToSourceMessageID = post.RootId
		if root, _, err := a.client.GetPost(ctx, post.RootId, ""); err == nil {
			nev.ReplyToExcerpt = root.Message
		}
	}

	for _, fileID := range post.FileIds {
		att := bridge.Attachment{
			URL:    fmt.Sprintf("%s/api/v4/files/%s", a.cfg.ServerURL, fileID),
			Header: http.Header{"Authorization": []string{"Bearer " + a.cfg.Token}},
		}
		if info, _, err := a.client.GetFileInfo(ctx, fileID); err == nil {
			att.Filename = info.Name
			att.MimeType = info.MimeType
			att.ByteSize = info.Size
		} else {
			a.log.Warn().Err(err).Str("file_id", fileID).Msg("Failed to get file info")
			att.Filename = fileID
		}
		nev.Attachments = append(nev.Attachments, att)
	}
	return nev
}

// displayName resolves and caches a user's username.
func (a *Adapter) displayName(ctx context.Context, userID string) string {
	a.nameMu.Lock()
	if name, ok := a.names[userID]; ok {
		a.nameMu.Unlock()
		return name
	}
	a.nameMu.Unlock()

	user, _, err := a.client.GetUser(ctx, userID, "")
	if err != nil {
		a.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to resolve username")
		return ""
	}
	a.nameMu.Lock()
	a.names[userID] = user.Username
	a.nameMu.Unlock()
	return user.Username
}

// Send posts a new message. The echo tag rides in post props so the bridge's
// own WebSocket listener can recognize it.
func (a *Adapter) Send(ctx context.Context, channelID string, payload bridge.OutboundPayload) (string, error) {
	post := &model.Post{
		ChannelId: channelID,
		Message:   messageText(payload),
		RootId:    payload.ReplyToTargetID,
	}
	for _, ref := range payload.Attachments {
		post.FileIds = append(post.FileIds, ref.NativeID)
	}
	post.AddProp(echoProp, payload.EchoTag)

	created, resp, err := a.client.CreatePost(ctx, post)
	if err != nil {
		return "", classify("send", resp, err)
	}
	return created.Id, nil
}

// Edit patches the message body in place.
func (a *Adapter) Edit(ctx context.Context, channelID, messageID string, payload bridge.OutboundPayload) error {
	text := messageText(payload)
	_, resp, err := a.client.PatchPost(ctx, messageID, &model.PostPatch{Message: &text})
	if err != nil {
		return classify("edit", resp, err)
	}
	return nil
}

// Delete removes a post.
func (a *Adapter) Delete(ctx context.Context, channelID, messageID string) error {
	resp, err := a.client.DeletePost(ctx, messageID)
	if err != nil {
		return classify("delete", resp, err)
	}
	return nil
}

// React adds or removes the bot's reaction on a post.
func (a *Adapter) React(ctx context.Context, channelID, messageID, emoji string, add bool) error {
	reaction := &model.Reaction{
		UserId:    a.userID,
		PostId:    messageID,
		EmojiName: emojiName(emoji),
	}
	if add {
		_, resp, err := a.client.SaveReaction(ctx, reaction)
		if err != nil {
			return classify("react", resp, err)
		}
		return nil
	}
	resp, err := a.client.DeleteReaction(ctx, reaction)
	if err != nil {
		return classify("unreact", resp, err)
	}
	return nil
}

// UploadAttachment publishes bytes as a Mattermost file.
func (a *Adapter) UploadAttachment(ctx context.Context, channelID, filename, mimeType string, data []byte) (bridge.AttachmentRef, error) {
	resp, httpResp, err := a.client.UploadFile(ctx, data, channelID, filename)
	if err != nil {
		return bridge.AttachmentRef{}, classify("upload", httpResp, err)
	}
	if len(resp.FileInfos) == 0 {
		return bridge.AttachmentRef{}, bridge.Permanent(PlatformName, "upload", errors.New("upload response has no file infos"))
	}
	return bridge.AttachmentRef{
		NativeID: resp.FileInfos[0].Id,
		Filename: filename,
		MimeType: mimeType,
		ByteSize: int64(len(data)),
	}, nil
}

// Capabilities reports Mattermost's limits.
func (a *Adapter) Capabilities() bridge.Capabilities {
	return bridge.Capabilities{
		MaxTextLength:      model.PostMessageMaxRunesV2,
		NativeReactions:    true,
		MaxAttachmentBytes: a.cfg.MaxAttachmentBytes,
	}
}

// messageText prefers the rendered markdown; Mattermost treats plain text
// and markdown uniformly.
func messageText(payload bridge.OutboundPayload) string {
	if payload.Markup != "" {
		return payload.Markup
	}
	return payload.PlainText
}

// classify maps a Mattermost API failure to its retry class by HTTP status.
func classify(op string, resp *model.Response, err error) error {
	if resp != nil {
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return bridge.Transient(PlatformName, op, err)
		case resp.StatusCode >= 500:
			return bridge.Transient(PlatformName, op, err)
		case resp.StatusCode >= 400:
			return bridge.Permanent(PlatformName, op, err)
		}
	}
	// Network-level failure, no response.
	return bridge.Transient(PlatformName, op, err)
}
