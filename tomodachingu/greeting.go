package tomodachingu

import (
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// Locale identifies the language class a greeting was recognized in.
type Locale string

const (
	LocaleEnglish    Locale = "en"
	LocaleIndonesian Locale = "id"
	LocaleJapanese   Locale = "ja"
	LocaleKorean     Locale = "ko"
)

func (l Locale) String() string {
	switch l {
	case LocaleEnglish:
		return "English"
	case LocaleIndonesian:
		return "Indonesian"
	case LocaleJapanese:
		return "Japanese"
	case LocaleKorean:
		return "Korean"
	default:
		return string(l)
	}
}

func (l Locale) valid() bool {
	switch l {
	case LocaleEnglish, LocaleIndonesian, LocaleJapanese, LocaleKorean:
		return true
	default:
		return false
	}
}

// LexiconEntry is a single row of the greeting table: the locale, the
// substrings that mark a message as a greeting in that locale, and the
// reply sent back.
type LexiconEntry struct {
	Locale   Locale   `yaml:"locale" json:"locale"`
	Triggers []string `yaml:"triggers" json:"triggers"`
	Reply    string   `yaml:"reply" json:"reply"`
}

type lexiconRow struct {
	locale   Locale
	triggers []string
	reply    *template.Template
}

// GreetingLexicon is the ordered greeting table. Entry order is the
// tie-break priority when a message contains triggers from several
// locales. It is immutable once built.
type GreetingLexicon struct {
	rows []lexiconRow
}

// NewGreetingLexicon builds a lexicon from the given entries, in priority
// order. Triggers are lower-cased; empty triggers are dropped.
func NewGreetingLexicon(entries ...LexiconEntry) (*GreetingLexicon, error) {
	if len(entries) == 0 {
		return nil, errors.New("greeting lexicon has no entries")
	}
	seen := map[Locale]bool{}
	rows := make([]lexiconRow, 0, len(entries))

	for _, e := range entries {
		if !e.Locale.valid() {
			return nil, fmt.Errorf("unknown greeting locale: %q", e.Locale)
		}
		if seen[e.Locale] {
			return nil, fmt.Errorf("duplicate greeting locale: %q", e.Locale)
		}
		seen[e.Locale] = true

		triggers := make([]string, 0, len(e.Triggers))
		for _, t := range e.Triggers {
			t = NormalizeText(t)
			if t == "" {
				continue
			}
			triggers = append(triggers, t)
		}
		if len(triggers) == 0 {
			return nil, fmt.Errorf("greeting locale %q has no triggers", e.Locale)
		}
		if strings.TrimSpace(e.Reply) == "" {
			return nil, fmt.Errorf("greeting locale %q has no reply", e.Locale)
		}

		reply, err := template.New("greeting_" + string(e.Locale)).Parse(e.Reply)
		if err != nil {
			return nil, fmt.Errorf("invalid reply for locale %q: %w", e.Locale, err)
		}
		rows = append(
			rows,
			lexiconRow{locale: e.Locale, triggers: triggers, reply: reply},
		)
	}
	return &GreetingLexicon{rows: rows}, nil
}

// Classify returns the first locale, in priority order, with a trigger
// contained anywhere in text. Matching is plain substring containment, so
// "hi" also matches "this".
func (l *GreetingLexicon) Classify(text string) (Locale, bool) {
	text = strings.ToLower(text)
	for _, row := range l.rows {
		for _, trigger := range row.triggers {
			if strings.Contains(text, trigger) {
				return row.locale, true
			}
		}
	}
	return "", false
}

// Reply renders the canned reply for the given locale.
func (l *GreetingLexicon) Reply(locale Locale, displayName string) (string, error) {
	for _, row := range l.rows {
		if row.locale != locale {
			continue
		}
		return execTemplate(row.reply, templateData{DisplayName: displayName})
	}
	return "", fmt.Errorf("no greeting reply for locale %q", locale)
}

// Locales returns the lexicon's locales in priority order
func (l *GreetingLexicon) Locales() []Locale {
	locales := make([]Locale, len(l.rows))
	for i, row := range l.rows {
		locales[i] = row.locale
	}
	return locales
}

// Triggers returns a copy of the trigger phrases for the given locale
func (l *GreetingLexicon) Triggers(locale Locale) []string {
	for _, row := range l.rows {
		if row.locale == locale {
			t := make([]string, len(row.triggers))
			copy(t, row.triggers)
			return t
		}
	}
	return nil
}
