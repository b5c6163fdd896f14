// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// LinkHost re-hosts raw bytes somewhere public so a link fallback survives
// source-side deletion. Optional; without one, fallbacks link the source URL.
type LinkHost interface {
	Publish(ctx context.Context, filename, mimeType string, data []byte) (string, error)
}

// RelayPolicy bounds binary transfers.
type RelayPolicy struct {
	// MaxBytes is the re-upload threshold; larger attachments degrade to a
	// link without being downloaded.
	MaxBytes int64
	// StageTimeout bounds each of download and upload separately.
	StageTimeout time.Duration
}

// DefaultRelayPolicy allows typical image/document sizes.
var DefaultRelayPolicy = RelayPolicy{
	MaxBytes:     50 * 1024 * 1024,
	StageTimeout: 60 * time.Second,
}

// AttachmentRelay fetches media from the source platform and republishes it
// on the target. Failures degrade to a link fallback; they never block the
// message text.
type AttachmentRelay struct {
	client   *http.Client
	policy   RelayPolicy
	linkHost LinkHost
	metrics  *Metrics
	log      zerolog.Logger
}

// NewAttachmentRelay creates a relay. linkHost may be nil.
func NewAttachmentRelay(policy RelayPolicy, linkHost LinkHost, metrics *Metrics, log zerolog.Logger) *AttachmentRelay {
	if policy.MaxBytes <= 0 {
		policy.MaxBytes = DefaultRelayPolicy.MaxBytes
	}
	if policy.StageTimeout <= 0 {
		policy.StageTimeout = DefaultRelayPolicy.StageTimeout
	}
	return &AttachmentRelay{
		client:   &http.Client{},
		policy:   policy,
		linkHost: linkHost,
		metrics:  metrics,
		log:      log.With().Str("component", "attachments").Logger(),
	}
}

// RelayAll relays a message's attachments concurrently and waits for all of
// them (or their fallbacks). The returned refs keep the input order.
func (r *AttachmentRelay) RelayAll(ctx context.Context, sender Sender, targetPlatform, channelID string, atts []Attachment) []AttachmentRef {
	if len(atts) == 0 {
		return nil
	}
	refs := make([]AttachmentRef, len(atts))
	var g errgroup.Group
	for i, att := range atts {
		g.Go(func() error {
			refs[i] = r.relayOne(ctx, sender, targetPlatform, channelID, att)
			return nil
		})
	}
	_ = g.Wait()
	return refs
}

func (r *AttachmentRelay) relayOne(ctx context.Context, sender Sender, targetPlatform, channelID string, att Attachment) AttachmentRef {
	threshold := r.policy.MaxBytes
	if caps := sender.Capabilities(); caps.MaxAttachmentBytes > 0 && caps.MaxAttachmentBytes < threshold {
		threshold = caps.MaxAttachmentBytes
	}

	if att.ByteSize > threshold {
		r.log.Debug().
			Str("filename", att.Filename).
			Int64("size", att.ByteSize).
			Int64("threshold", threshold).
			Msg("Attachment over size threshold, relaying as link")
		return r.linkFallback(targetPlatform, att, nil)
	}

	data, err := r.download(ctx, att, threshold)
	if err != nil {
		r.log.Warn().Err(&AttachmentError{Filename: att.Filename, Stage: "download", Err: err}).
			Msg("Attachment download failed, relaying as link")
		return r.linkFallback(targetPlatform, att, nil)
	}

	upCtx, cancel := context.WithTimeout(ctx, r.policy.StageTimeout)
	defer cancel()
	ref, err := sender.UploadAttachment(upCtx, channelID, att.Filename, att.MimeType, data)
	if err != nil {
		r.log.Warn().Err(&AttachmentError{Filename: att.Filename, Stage: "upload", Err: err}).
			Msg("Attachment upload failed, relaying as link")
		return r.linkFallback(targetPlatform, att, data)
	}

	if r.metrics != nil {
		r.metrics.Attachments.WithLabelValues(targetPlatform, "native").Inc()
	}
	ref.Filename = att.Filename
	ref.MimeType = att.MimeType
	if ref.ByteSize == 0 {
		ref.ByteSize = int64(len(data))
	}
	return ref
}

func (r *AttachmentRelay) download(ctx context.Context, att Attachment, threshold int64) ([]byte, error) {
	dlCtx, cancel := context.WithTimeout(ctx, r.policy.StageTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(dlCtx, http.MethodGet, att.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, vals := range att.Header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, threshold+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > threshold {
		return nil, fmt.Errorf("body exceeds %d byte threshold", threshold)
	}
	return data, nil
}

// linkFallback produces the degraded link ref. When a link host is
// configured and we already hold the bytes, re-host them so the link outlives
// the source; otherwise point at the source URL.
func (r *AttachmentRelay) linkFallback(targetPlatform string, att Attachment, data []byte) AttachmentRef {
	url := att.URL
	if r.linkHost != nil && len(data) > 0 {
		hostCtx, cancel := context.WithTimeout(context.Background(), r.policy.StageTimeout)
		defer cancel()
		if hosted, err := r.linkHost.Publish(hostCtx, att.Filename, att.MimeType, data); err == nil {
			url = hosted
		} else {
			r.log.Warn().Err(err).Str("filename", att.Filename).Msg("Link host publish failed, using source URL")
		}
	}
	if r.metrics != nil {
		r.metrics.Attachments.WithLabelValues(targetPlatform, "link").Inc()
	}
	return AttachmentRef{
		Filename: att.Filename,
		MimeType: att.MimeType,
		ByteSize: att.ByteSize,
		LinkOnly: true,
		URL:      url,
	}
}

// LinkLine renders the metadata line for a link-only attachment.
func LinkLine(ref AttachmentRef) string {
	if ref.ByteSize > 0 {
		return fmt.Sprintf("%s (%s): %s", ref.Filename, humanBytes(ref.ByteSize), ref.URL)
	}
	return fmt.Sprintf("%s: %s", ref.Filename, ref.URL)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
