package model

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Company represents a reporting entity whose quarterly PDFs are extracted.
type Company struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// slugTransformer decomposes accented characters and strips the combining
// marks, so "Trelleborg Sjöfart" and "Møre Eiendom" produce plain-ASCII slugs.
var slugTransformer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// slugFolds covers letters with no combining-mark decomposition, which the
// transform above passes through unchanged.
var slugFolds = map[rune]string{
	'ø': "o",
	'æ': "ae",
	'ð': "d",
	'þ': "th",
	'ß': "ss",
}

// Slugify converts a company name into a URL-safe slug: lowercase ASCII with
// runs of non-alphanumeric characters collapsed to a single '-'.
func Slugify(name string) string {
	folded, _, err := transform.String(slugTransformer, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	b.Grow(len(folded))
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if fold, ok := slugFolds[r]; ok {
				b.WriteString(fold)
				lastDash = false
				continue
			}
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
