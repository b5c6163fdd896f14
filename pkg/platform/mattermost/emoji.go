// Copyright 2024-2026 Aiku AI

package mattermost

import "fmt"

var emojiByName = map[string]string{
	"+1":               "\U0001f44d",
	"-1":               "\U0001f44e",
	"heart":            "❤️",
	"smile":            "\U0001f604",
	"laughing":         "\U0001f606",
	"thumbsup":         "\U0001f44d",
	"thumbsdown":       "\U0001f44e",
	"wave":             "\U0001f44b",
	"clap":             "\U0001f44f",
	"fire":             "\U0001f525",
	"100":              "\U0001f4af",
	"tada":             "\U0001f389",
	"eyes":             "\U0001f440",
	"thinking":         "\U0001f914",
	"white_check_mark": "✅",
	"x":                "❌",
	"warning":          "⚠️",
	"rocket":           "\U0001f680",
	"star":             "⭐",
	"pray":             "\U0001f64f",
}

var nameByEmoji = map[string]string{
	"\U0001f44d":   "+1",
	"\U0001f44e":   "-1",
	"❤️": "heart",
	"\U0001f604":   "smile",
	"\U0001f606":   "laughing",
	"\U0001f44b":   "wave",
	"\U0001f44f":   "clap",
	"\U0001f525":   "fire",
	"\U0001f4af":   "100",
	"\U0001f389":   "tada",
	"\U0001f440":   "eyes",
	"\U0001f914":   "thinking",
	"✅":       "white_check_mark",
	"❌":       "x",
	"⚠️": "warning",
	"\U0001f680":   "rocket",
	"⭐":       "star",
	"\U0001f64f":   "pray",
}

// emojiName converts a Unicode emoji to a Mattermost emoji name.
func emojiName(emoji string) string {
	if name, ok := nameByEmoji[emoji]; ok {
		return name
	}
	// Strip colons for custom emoji names.
	if len(emoji) > 2 && emoji[0] == ':' && emoji[len(emoji)-1] == ':' {
		return emoji[1 : len(emoji)-1]
	}
	return emoji
}

// emojiUnicode converts a Mattermost emoji name to a Unicode emoji.
func emojiUnicode(name string) string {
	if emoji, ok := emojiByName[name]; ok {
		return emoji
	}
	return fmt.Sprintf(":%s:", name)
}
