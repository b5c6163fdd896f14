// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"net/http"
	"time"

	"github.com/aiku/chatbridge/pkg/format"
)

// EventKind tags the variant of a NormalizedEvent.
type EventKind string

const (
	KindCreated         EventKind = "created"
	KindEdited          EventKind = "edited"
	KindDeleted         EventKind = "deleted"
	KindReactionAdded   EventKind = "reaction_added"
	KindReactionRemoved EventKind = "reaction_removed"
)

// Attachment describes a piece of media on the source platform.
type Attachment struct {
	URL      string
	MimeType string
	ByteSize int64
	Filename string
	// Header carries credentials for the source platform's media endpoint
	// (e.g. a bearer token). Applied to the relay's download request only.
	Header http.Header
}

// EchoTag marks a message as bridge-originated. It travels in outbound
// payload metadata (Mattermost post props, a custom Matrix content field),
// is never visible text, and lets the loop guard recognize the echo when the
// opposite listener observes the relayed message.
type EchoTag struct {
	// TargetPlatform is the platform the bridge posted to. An inbound event
	// whose tag names the receiving platform as target is an echo.
	TargetPlatform  string `json:"target_platform"`
	SourcePlatform  string `json:"source_platform"`
	SourceMessageID string `json:"source_message_id"`
	Nonce           string `json:"nonce"`
}

// NormalizedEvent is the platform-agnostic representation of something
// happening on a platform. Adapters produce it; the engine consumes it.
// Immutable once constructed.
type NormalizedEvent struct {
	Kind              EventKind
	SourcePlatform    string
	SourceChannelID   string
	SourceMessageID   string
	AuthorID          string
	AuthorDisplayName string
	Body              format.Message
	Attachments       []Attachment
	// ReplyToSourceMessageID is the native ID of the message this one
	// replies to on the source platform, empty when not a reply.
	ReplyToSourceMessageID string
	// ReplyToExcerpt is a short excerpt of the replied-to message's text
	// when the adapter has it available. Used for the inline-quote fallback
	// when the replied-to message was never relayed.
	ReplyToExcerpt string
	// Emoji is set for reaction events.
	Emoji     string
	Timestamp time.Time
	// EchoTag is set when the source event carried bridge metadata.
	EchoTag *EchoTag
}

// AttachmentRef is the outcome of relaying one attachment: either a native
// re-upload (NativeID set) or a degraded link fallback (LinkOnly with URL).
type AttachmentRef struct {
	NativeID string
	Filename string
	MimeType string
	ByteSize int64
	LinkOnly bool
	URL      string
}

// OutboundPayload is a ready-to-send message for one target platform.
type OutboundPayload struct {
	// PlainText is the plain body; Markup is the same body rendered in the
	// target platform's markup dialect (empty when the body carries no
	// formatting).
	PlainText string
	Markup    string
	// ReplyToTargetID carries the target platform's native reply reference
	// when the replied-to message has a correlation record.
	ReplyToTargetID string
	Attachments     []AttachmentRef
	// Continued marks chunks after the first of a split long body.
	Continued bool
	EchoTag   EchoTag
}

// CausalToken preserves the source event's ordering and threading context
// through the delivery queue.
type CausalToken struct {
	Timestamp              time.Time
	ReplyToSourceMessageID string
}

// JobKind tags the delivery queue job variants.
type JobKind string

const (
	JobSend   JobKind = "send"
	JobUpdate JobKind = "update"
	JobDelete JobKind = "delete"
	JobReact  JobKind = "react"
)

// OutboundJob is the delivery queue's unit of work. The queue owns it
// exclusively from enqueue until Done fires with the terminal outcome.
type OutboundJob struct {
	ID              string
	Kind            JobKind
	TargetPlatform  string
	TargetChannelID string
	Causal          CausalToken

	// Execute performs the send. A nil error is terminal success; errors
	// are classified by IsPermanent for the retry decision.
	Execute func(ctx context.Context) error
	// Done receives the terminal outcome: nil after success, the final
	// error after a permanent failure or exhausted retries. Optional.
	Done func(err error)
}

// Capabilities describes what a target platform accepts. Adapters report
// these so the translator and attachment relay can shape payloads.
type Capabilities struct {
	// MaxTextLength is the message length limit in runes; longer bodies
	// are split into an ordered chunk sequence.
	MaxTextLength int
	// NativeReactions reports whether the platform has a reaction
	// primitive; without one, reactions degrade to a text annotation.
	NativeReactions bool
	// MaxAttachmentBytes is the largest binary the platform accepts as a
	// native upload.
	MaxAttachmentBytes int64
}

// Sender is the outbound half of a platform adapter, the only surface the
// core needs to reproduce events on a platform.
type Sender interface {
	// Send posts a new message and returns its native message ID.
	Send(ctx context.Context, channelID string, payload OutboundPayload) (string, error)
	// Edit replaces the body of an existing message.
	Edit(ctx context.Context, channelID, messageID string, payload OutboundPayload) error
	// Delete removes a message.
	Delete(ctx context.Context, channelID, messageID string) error
	// React adds or removes a reaction on a message.
	React(ctx context.Context, channelID, messageID, emoji string, add bool) error
	// UploadAttachment publishes binary media natively and returns its ref.
	UploadAttachment(ctx context.Context, channelID, filename, mimeType string, data []byte) (AttachmentRef, error)
	// Capabilities reports the platform's limits.
	Capabilities() Capabilities
}
