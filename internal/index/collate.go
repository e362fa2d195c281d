package index

import (
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// Collation is the per-property collation strength a compound index
// property is compared at.
type Collation int

const (
	CollationPrimary Collation = iota
	CollationSecondary
	CollationTertiary
	CollationQuaternary
	CollationIdentical
)

var collationLevels = [...]collate.Level{
	CollationPrimary:    collate.Primary,
	CollationSecondary:  collate.Secondary,
	CollationTertiary:   collate.Tertiary,
	CollationQuaternary: collate.Quaternary,
	CollationIdentical:  collate.Identical,
}

// Collator produces order-preserving byte keys for strings at a given
// collation strength, locale-aware. It is safe for concurrent use.
type Collator interface {
	Key(level Collation, s string) []byte
	Locale() string
}

// localeCollator is the production Collator, grounded on
// golang.org/x/text/collate for ICU-like locale-aware ordering (accent and
// case handling follow CLDR data for the configured language tag) and
// golang.org/x/text/language to parse the locale string (e.g. "fr_CA").
type localeCollator struct {
	locale string
	tag    language.Tag

	mu      sync.Mutex
	byLevel [len(collationLevels)]*collate.Collator
	buf     collate.Buffer
}

// NewCollator builds a Collator for localeStr (e.g. "en_US", "fr_CA"),
// falling back to American English if the tag can't be parsed.
func NewCollator(localeStr string) Collator {
	tag, err := language.Parse(normalizeLocale(localeStr))
	if err != nil {
		tag = language.AmericanEnglish
	}
	lc := &localeCollator{locale: localeStr, tag: tag}
	for lvl, strength := range collationLevels {
		lc.byLevel[lvl] = collate.New(tag, collate.Strength(strength))
	}
	return lc
}

// normalizeLocale turns the underscore form commonly used for db locales
// ("fr_CA") into the BCP-47 form language.Parse expects ("fr-CA").
func normalizeLocale(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '_' {
			out[i] = '-'
		} else {
			out[i] = s[i]
		}
	}
	return string(out)
}

func (lc *localeCollator) Locale() string { return lc.locale }

func (lc *localeCollator) Key(level Collation, s string) []byte {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	c := lc.byLevel[level]
	return append([]byte(nil), c.Key(&lc.buf, s)...)
}
