// Package search implements the free-text card matcher shared by the board
// view (local matches) and the store (server-side matches).
package search

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"cardflow/internal/domain"
)

// DateLayout is the display format used when matching creation dates.
const DateLayout = "02/01/2006"

var statusLabels = map[domain.CardStatus]string{
	domain.StatusInProgress: "Em andamento",
	domain.StatusCompleted:  "Concluído",
	domain.StatusCanceled:   "Cancelado",
}

// StatusLabel returns the translated label for a status.
func StatusLabel(s domain.CardStatus) string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

// Names resolves owner identities to display names.
type Names interface {
	UserName(id string) string
	TeamName(id string) string
}

// Normalize lower-cases, strips diacritics and trims s.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.ToLower(s))
	if err != nil {
		out = strings.ToLower(s)
	}
	return strings.TrimSpace(out)
}

// Fields returns the normalized searchable texts of a card.
func Fields(c domain.Card, names Names) []string {
	fields := []string{
		c.Title,
		StatusLabel(c.Status),
	}
	if !c.CreatedAt.IsZero() {
		fields = append(fields, c.CreatedAt.Format(DateLayout))
	}
	if names != nil {
		if c.AssignedTo != nil && *c.AssignedTo != "" {
			fields = append(fields, names.UserName(*c.AssignedTo))
		}
		if c.AssignedTeamID != nil && *c.AssignedTeamID != "" {
			fields = append(fields, names.TeamName(*c.AssignedTeamID))
		}
	}
	fields = append(fields, serializeValues(c.Values)...)
	fields = append(fields, checkedItems(c.Checklist)...)

	out := fields[:0]
	for _, f := range fields {
		if n := Normalize(f); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func serializeValues(values map[string]any) []string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []string
	for _, k := range keys {
		switch v := values[k].(type) {
		case nil:
		case string:
			out = append(out, v)
		default:
			b, err := json.Marshal(v)
			if err == nil {
				out = append(out, string(b))
			}
		}
	}
	return out
}

func checkedItems(progress map[string]map[string]bool) []string {
	var out []string
	for _, items := range progress {
		for name, checked := range items {
			if checked {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Matcher tests cards against a pre-normalized query.
type Matcher struct {
	query string
	names Names
}

func NewMatcher(term string, names Names) Matcher {
	return Matcher{query: Normalize(term), names: names}
}

// Empty reports whether the query matches everything.
func (m Matcher) Empty() bool { return m.query == "" }

func (m Matcher) Query() string { return m.query }

func (m Matcher) Match(c domain.Card) bool {
	if m.query == "" {
		return true
	}
	for _, f := range Fields(c, m.names) {
		if strings.Contains(f, m.query) {
			return true
		}
	}
	return false
}

// Filter keeps the cards that match, preserving order.
func (m Matcher) Filter(cards []domain.Card) []domain.Card {
	if m.query == "" {
		return cards
	}
	out := make([]domain.Card, 0, len(cards))
	for _, c := range cards {
		if m.Match(c) {
			out = append(out, c)
		}
	}
	return out
}
