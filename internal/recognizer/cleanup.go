package recognizer

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/MeKo-Tech/ocrq/internal/imagestore"
	"golang.org/x/text/unicode/norm"
)

// TextCleanup controls how raw engine text is normalized before it becomes a
// Result.
type TextCleanup struct {
	// Form is the Unicode normalization form: NFC, NFKC, NFD, NFKD or none.
	Form string `mapstructure:"normalize_form" yaml:"normalize_form"`
	// CollapseWhitespace folds runs of whitespace into single spaces.
	CollapseWhitespace bool `mapstructure:"collapse_whitespace" yaml:"collapse_whitespace"`
	// StripInvisible drops zero-width and control characters.
	StripInvisible bool `mapstructure:"strip_invisible" yaml:"strip_invisible"`
	// PlainPunctuation maps typographic quotes, dashes and spaces to ASCII.
	PlainPunctuation bool `mapstructure:"plain_punctuation" yaml:"plain_punctuation"`
}

// DefaultTextCleanup returns the cleanup applied when nothing is configured.
func DefaultTextCleanup() TextCleanup {
	return TextCleanup{Form: "NFC", CollapseWhitespace: true, StripInvisible: true}
}

// Validate checks the normalization form.
func (c TextCleanup) Validate() error {
	switch strings.ToUpper(c.Form) {
	case "", "NONE", "NFC", "NFKC", "NFD", "NFKD":
		return nil
	}
	return fmt.Errorf("unknown normalization form %q", c.Form)
}

// Apply cleans s. lang is an engine language code and selects the
// punctuation table.
func (c TextCleanup) Apply(s, lang string) string {
	if s == "" {
		return s
	}
	switch strings.ToUpper(c.Form) {
	case "NFC":
		s = norm.NFC.String(s)
	case "NFKC":
		s = norm.NFKC.String(s)
	case "NFD":
		s = norm.NFD.String(s)
	case "NFKD":
		s = norm.NFKD.String(s)
	}
	if c.StripInvisible {
		s = stripInvisible(s)
	}
	if c.PlainPunctuation {
		s = punctuationReplacer(lang).Replace(s)
	}
	if c.CollapseWhitespace {
		s = strings.Join(strings.Fields(s), " ")
	}
	return strings.TrimSpace(s)
}

func stripInvisible(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\u200B', '\u200C', '\u200D', '\uFEFF':
			return -1
		case '\n', '\r', '\t':
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

var basePunctuation = []string{
	"\u2018", "'",
	"\u2019", "'",
	"\u201C", "\"",
	"\u201D", "\"",
	"\u2013", "-",
	"\u2014", "-",
	"\u00A0", " ",
	"\u2009", " ",
}

var languagePunctuation = map[string][]string{
	"deu": {"\u201E", "\"", "\u201A", "'"},
	"fra": {"\u00AB\u00A0", "\"", "\u00A0\u00BB", "\"", "\u00AB", "\"", "\u00BB", "\""},
}

// punctuationReplacer picks the table for the first component of lang.
func punctuationReplacer(lang string) *strings.Replacer {
	first, _, _ := strings.Cut(lang, "+")
	// strings.Replacer prefers earlier pairs, so language specific
	// multi-rune sequences go first.
	pairs := append(append([]string(nil), languagePunctuation[first]...), basePunctuation...)
	return strings.NewReplacer(pairs...)
}

// cleaningEngine applies a TextCleanup to every Output of the wrapped engine.
type cleaningEngine struct {
	Engine
	cleanup TextCleanup
	lang    string
}

// WithCleanup wraps eng so recognized text is cleaned for lang.
func WithCleanup(eng Engine, cleanup TextCleanup, lang string) Engine {
	return &cleaningEngine{Engine: eng, cleanup: cleanup, lang: lang}
}

func (e *cleaningEngine) Recognize(ctx context.Context, h *imagestore.Handle) (Output, error) {
	out, err := e.Engine.Recognize(ctx, h)
	if err != nil {
		return out, err
	}
	out.Text = e.cleanup.Apply(out.Text, e.lang)
	return out, nil
}
