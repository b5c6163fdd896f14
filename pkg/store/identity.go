// Copyright 2024-2026 Aiku AI

package store

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDisplaynameTemplate renders e.g. "[mattermost] Alice".
const DefaultDisplaynameTemplate = "[{{.Platform}}] {{.Name}}"

// DisplayIdentity is the resolved cross-platform rendering of a native user.
type DisplayIdentity struct {
	// Label is the display label for relayed messages, annotated with the
	// origin platform.
	Label string
	// LinkedID is the stable cross-platform identity ID, empty when the
	// user has no explicit link.
	LinkedID string
}

// DisplaynameParams holds the parameters for rendering the display template.
type DisplaynameParams struct {
	Platform string
	Name     string
}

// IdentityMapper resolves native user IDs to display identities, learning
// mappings lazily and persisting them in the store.
type IdentityMapper struct {
	store *Store
	tmpl  *template.Template
	log   zerolog.Logger
}

// NewIdentityMapper parses the displayname template and returns a mapper.
// Pass an empty template string to use DefaultDisplaynameTemplate.
func NewIdentityMapper(s *Store, templateStr string, log zerolog.Logger) (*IdentityMapper, error) {
	if templateStr == "" {
		templateStr = DefaultDisplaynameTemplate
	}
	tmpl, err := template.New("displayname").Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse displayname template: %w", err)
	}
	return &IdentityMapper{
		store: s,
		tmpl:  tmpl,
		log:   log.With().Str("component", "identity").Logger(),
	}, nil
}

// Resolve maps a native user to its display identity. It never fails: on an
// unknown user it creates and persists a mapping from the observed name; on
// a changed display name it updates the stored label; on store errors it
// falls back to a synthesized label so delivery is never blocked.
func (im *IdentityMapper) Resolve(platform, nativeUserID, observedName string) DisplayIdentity {
	if observedName == "" {
		observedName = nativeUserID
	}

	existing, err := im.store.GetIdentity(platform, nativeUserID)
	if err != nil {
		im.log.Error().Err(err).
			Str("platform", platform).
			Str("user_id", nativeUserID).
			Msg("Identity lookup failed, using fallback label")
		return DisplayIdentity{Label: im.render(platform, observedName)}
	}

	now := time.Now().UTC()
	switch {
	case existing == nil:
		mapping := IdentityMapping{
			Platform:     platform,
			NativeUserID: nativeUserID,
			DisplayName:  observedName,
			FirstSeen:    now,
			UpdatedAt:    now,
		}
		if err := im.store.PutIdentity(mapping); err != nil {
			im.log.Error().Err(err).
				Str("platform", platform).
				Str("user_id", nativeUserID).
				Msg("Failed to persist new identity mapping")
		}
		existing = &mapping

	case existing.DisplayName != observedName:
		existing.DisplayName = observedName
		existing.UpdatedAt = now
		if err := im.store.PutIdentity(*existing); err != nil {
			im.log.Error().Err(err).
				Str("platform", platform).
				Str("user_id", nativeUserID).
				Msg("Failed to persist display name change")
		}
	}

	return DisplayIdentity{
		Label:    im.render(platform, existing.DisplayName),
		LinkedID: existing.LinkedIdentityID,
	}
}

// LinkIdentity records an explicit cross-platform identity link. This is the
// only way two native users become the same logical identity.
func (im *IdentityMapper) LinkIdentity(platform, nativeUserID, linkedID string) error {
	existing, err := im.store.GetIdentity(platform, nativeUserID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if existing == nil {
		existing = &IdentityMapping{
			Platform:     platform,
			NativeUserID: nativeUserID,
			DisplayName:  nativeUserID,
			FirstSeen:    now,
		}
	}
	existing.LinkedIdentityID = linkedID
	existing.UpdatedAt = now
	return im.store.PutIdentity(*existing)
}

func (im *IdentityMapper) render(platform, name string) string {
	var b strings.Builder
	if err := im.tmpl.Execute(&b, DisplaynameParams{Platform: platform, Name: name}); err != nil {
		return "[" + platform + "] " + name
	}
	return b.String()
}
