// ABOUTME: Blacklist filter and ordered text replacement table applied to source messages.
// ABOUTME: Both are immutable once built and swapped as a whole on reload.

package forward

import "strings"

// Blacklist drops events by sender id, message keyword, or display name
// substring, checked in that order. Matching is case sensitive.
type Blacklist struct {
	ids      map[string]struct{}
	keywords []string
	names    []string
}

// NewBlacklist builds a blacklist. Empty terms are ignored.
func NewBlacklist(identityIDs, keywords, names []string) *Blacklist {
	b := &Blacklist{ids: make(map[string]struct{}, len(identityIDs))}
	for _, id := range identityIDs {
		if id != "" {
			b.ids[id] = struct{}{}
		}
	}
	b.keywords = nonEmpty(keywords)
	b.names = nonEmpty(names)
	return b
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Match reports the first rule the event trips, as "id", "keyword", or "name".
func (b *Blacklist) Match(identityID, text, name string) (string, bool) {
	if b == nil {
		return "", false
	}
	if _, ok := b.ids[identityID]; ok {
		return "id", true
	}
	for _, kw := range b.keywords {
		if strings.Contains(text, kw) {
			return "keyword", true
		}
	}
	for _, n := range b.names {
		if strings.Contains(name, n) {
			return "name", true
		}
	}
	return "", false
}

// Replacement is one literal substitution.
type Replacement struct {
	Old string
	New string
}

// ReplacementTable is applied in order; an earlier pair's output is input to the next.
type ReplacementTable []Replacement

// Apply rewrites text.
func (t ReplacementTable) Apply(text string) string {
	if text == "" {
		return text
	}
	for _, r := range t {
		if r.Old == "" {
			continue
		}
		text = strings.ReplaceAll(text, r.Old, r.New)
	}
	return text
}

// Settings are the hot-reloadable parts of forwarding.
type Settings struct {
	Target       string
	Blacklist    *Blacklist
	Replacements ReplacementTable
}
