// Package normalize turns raw post text into clean training-ready strings.
// Normalization is pure and deterministic: no I/O, and applying it twice
// yields the same output as applying it once.
package normalize

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ErrTextTooShort is returned when the cleaned text falls below the minimum
// useful length. The caller skips the post and keeps going.
var ErrTextTooShort = errors.New("clean text too short")

// Placeholder tokens substituted for stripped entities.
const (
	URLToken     = "<URL>"
	MentionToken = "@user"
	HashtagToken = "<HASHTAG>"
)

var (
	urlRE          = regexp.MustCompile(`(?i)https?://\S+|www\.\S+`)
	mentionRE      = regexp.MustCompile(`(^|[^\w@])@([A-Za-z0-9_]{1,15})`)
	hashtagRE      = regexp.MustCompile(`(^|[^\w#])#([A-Za-z0-9_]+)`)
	rtPrefixRE     = regexp.MustCompile(`(?i)^RT\s+@[\w_]+:\s*`)
	whitespaceRE   = regexp.MustCompile(`\s+`)
	controlCharsRE = regexp.MustCompile(`[\x00-\x1f\x7f\x{0080}-\x{009f}]`)
)

// emojiRanges lists the code point blocks preserved when non-Latin scripts
// are dropped.
var emojiRanges = [][2]rune{
	{0x1F300, 0x1F5FF}, // Misc Symbols and Pictographs
	{0x1F600, 0x1F64F}, // Emoticons
	{0x1F680, 0x1F6FF}, // Transport & Map Symbols
	{0x1F700, 0x1F77F}, // Alchemical Symbols
	{0x1F780, 0x1F7FF}, // Geometric Shapes Extended
	{0x1F800, 0x1F8FF}, // Supplemental Arrows-C
	{0x1F900, 0x1F9FF}, // Supplemental Symbols and Pictographs
	{0x1FA70, 0x1FAFF}, // Symbols and Pictographs Extended-A
	{0x2600, 0x26FF},   // Misc symbols
	{0x2700, 0x27BF},   // Dingbats
}

// Options controls normalization behavior. Start from DefaultOptions.
type Options struct {
	// KeepHashtagText keeps "#word" intact instead of replacing the whole
	// hashtag with HashtagToken.
	KeepHashtagText bool
	// Lowercase lowercases the cleaned text.
	Lowercase bool
	// StripNonEnglish drops characters outside ASCII while preserving the
	// emoji blocks above.
	StripNonEnglish bool
	// MinLength is the minimum clean-text length (in runes) below which the
	// post is rejected with ErrTextTooShort.
	MinLength int
}

// DefaultOptions mirrors the training pipeline defaults.
func DefaultOptions() Options {
	return Options{
		KeepHashtagText: false,
		Lowercase:       true,
		StripNonEnglish: true,
		MinLength:       3,
	}
}

// Normalizer applies a fixed Options set to raw post bodies.
type Normalizer struct {
	opts Options
}

// New creates a Normalizer with the given options.
func New(opts Options) *Normalizer {
	return &Normalizer{opts: opts}
}

// Normalize maps a raw post body to its clean form: leading retweet marker
// stripped, URLs replaced with <URL>, mentions replaced with @user, hashtags
// replaced with <HASHTAG> (or kept, per options), non-English scripts dropped
// with emoji preserved, whitespace collapsed and trimmed.
func (n *Normalizer) Normalize(raw string) (string, error) {
	txt := norm.NFC.String(raw)
	txt = unescapeFully(txt)

	txt = stripRTPrefix(txt)
	txt = urlRE.ReplaceAllString(txt, URLToken)
	txt = mentionRE.ReplaceAllString(txt, "${1}"+MentionToken)
	if !n.opts.KeepHashtagText {
		txt = hashtagRE.ReplaceAllString(txt, "${1}"+HashtagToken)
	}

	if n.opts.Lowercase {
		txt = strings.ToLower(txt)
	}
	if n.opts.StripNonEnglish {
		txt = stripNonEnglishKeepEmoji(txt)
	}

	txt = strings.TrimSpace(whitespaceRE.ReplaceAllString(txt, " "))
	// Dropping a leading non-Latin run can expose a retweet marker that was
	// not at the start of the raw text; strip again so the result is a fixed
	// point of the whole transformation.
	txt = strings.TrimSpace(stripRTPrefix(txt))

	if len([]rune(txt)) < n.opts.MinLength {
		return "", fmt.Errorf("%w: %d characters after cleaning", ErrTextTooShort, len([]rune(txt)))
	}
	return txt, nil
}

// stripRTPrefix removes every stacked leading "RT @user:" marker.
func stripRTPrefix(s string) string {
	for {
		stripped := rtPrefixRE.ReplaceAllString(s, "")
		if stripped == s {
			return s
		}
		s = stripped
	}
}

// unescapeFully unescapes HTML entities until the text is stable, so that
// double-escaped input ("&amp;lt;") does not change across repeated
// normalization.
func unescapeFully(s string) string {
	for i := 0; i < 4; i++ {
		unescaped := html.UnescapeString(s)
		if unescaped == s {
			return s
		}
		s = unescaped
	}
	return s
}

// stripNonEnglishKeepEmoji replaces every character outside the allowed set
// with a space so that removed runs never glue adjacent words together.
func stripNonEnglishKeepEmoji(s string) string {
	s = controlCharsRE.ReplaceAllString(s, " ")
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if isAllowedRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return b.String()
}

// isAllowedRune keeps ASCII letters, digits, punctuation and whitespace plus
// the emoji blocks; everything else (CJK, Cyrillic, accented Latin, ...) is
// dropped.
func isAllowedRune(r rune) bool {
	if r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' {
		return true
	}
	if r == ' ' || r == '\t' {
		return true
	}
	if r >= 0x21 && r <= 0x7E { // ASCII punctuation and symbols
		return true
	}
	for _, rng := range emojiRanges {
		if r >= rng[0] && r <= rng[1] {
			return true
		}
	}
	return false
}
