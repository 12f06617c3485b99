// Package recognizer defines the text recognition engine contract consumed by
// the task pipeline, plus the job-level parameters passed to the engine.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/MeKo-Tech/ocrq/internal/imagestore"
	"golang.org/x/text/language"
)

// PageSegMode mirrors Tesseract's page segmentation modes.
type PageSegMode int

const (
	PSMOSDOnly PageSegMode = iota
	PSMAutoOSD
	PSMAutoOnly
	PSMAuto
	PSMSingleColumn
	PSMSingleBlockVertText
	PSMSingleBlock
	PSMSingleLine
	PSMSingleWord
	PSMCircleWord
	PSMSingleChar
	PSMSparseText
	PSMSparseTextOSD
	PSMRawLine
)

var psmNames = map[string]PageSegMode{
	"osd_only":          PSMOSDOnly,
	"auto_osd":          PSMAutoOSD,
	"auto_only":         PSMAutoOnly,
	"auto":              PSMAuto,
	"single_column":     PSMSingleColumn,
	"single_block_vert": PSMSingleBlockVertText,
	"single_block":      PSMSingleBlock,
	"single_line":       PSMSingleLine,
	"single_word":       PSMSingleWord,
	"circle_word":       PSMCircleWord,
	"single_char":       PSMSingleChar,
	"sparse_text":       PSMSparseText,
	"sparse_text_osd":   PSMSparseTextOSD,
	"raw_line":          PSMRawLine,
}

// ParsePageSegMode accepts a mode name ("single_line") or its number ("7").
func ParsePageSegMode(s string) (PageSegMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PSMAuto, nil
	}
	if m, ok := psmNames[s]; ok {
		return m, nil
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err == nil && n >= int(PSMOSDOnly) && n <= int(PSMRawLine) {
		return PageSegMode(n), nil
	}
	return PSMAuto, fmt.Errorf("unknown page segmentation mode %q", s)
}

func (m PageSegMode) String() string {
	for name, v := range psmNames {
		if v == m {
			return name
		}
	}
	return fmt.Sprintf("psm(%d)", int(m))
}

// Params describes a recognition job's options. Treat it as immutable once
// attached to a job; Clone before mutating a shared value.
type Params struct {
	Language    string            `json:"language" yaml:"language"`
	PageSegMode PageSegMode       `json:"page_seg_mode" yaml:"page_seg_mode"`
	Debug       bool              `json:"debug" yaml:"debug"`
	Spellcheck  bool              `json:"spellcheck" yaml:"spellcheck"`
	AlignText   bool              `json:"align_text" yaml:"align_text"`
	DetectText  bool              `json:"detect_text" yaml:"detect_text"`
	Variables   map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

// DefaultParams returns the parameters used when a caller provides none.
func DefaultParams() Params {
	return Params{
		Language:    "eng",
		PageSegMode: PSMAuto,
		Spellcheck:  true,
		DetectText:  true,
	}
}

// Clone returns a deep copy of p.
func (p Params) Clone() Params {
	out := p
	if p.Variables != nil {
		out.Variables = maps.Clone(p.Variables)
	}
	return out
}

// EngineVariables returns the engine tuning variables for p. Explicit
// Variables override the ones derived from Spellcheck.
func (p Params) EngineVariables() map[string]string {
	vars := make(map[string]string, len(p.Variables)+2)
	if !p.Spellcheck {
		vars["load_system_dawg"] = "0"
		vars["load_freq_dawg"] = "0"
	}
	maps.Copy(vars, p.Variables)
	return vars
}

// ErrInvalidLanguage is returned for language identifiers that cannot be parsed.
var ErrInvalidLanguage = errors.New("invalid language")

// EngineLanguage normalizes a language identifier to the engine's
// ISO 639-3 codes. BCP 47 tags ("en", "de-DE") are mapped ("eng", "deu");
// engine-native codes and "+"-joined combinations ("eng+deu") pass through.
func EngineLanguage(lang string) (string, error) {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return "eng", nil
	}
	parts := strings.Split(lang, "+")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		code, err := engineCode(part)
		if err != nil {
			return "", err
		}
		out = append(out, code)
	}
	return strings.Join(out, "+"), nil
}

func engineCode(part string) (string, error) {
	part = strings.TrimSpace(part)
	if part == "" {
		return "", fmt.Errorf("%w: empty component", ErrInvalidLanguage)
	}
	// Script-qualified traineddata names such as chi_sim pass through.
	if strings.Contains(part, "_") || part == "osd" || part == "equ" {
		return part, nil
	}
	tag, err := language.Parse(part)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidLanguage, part, err)
	}
	base, _ := tag.Base()
	iso3 := base.ISO3()
	if iso3 == "" || iso3 == "und" {
		return "", fmt.Errorf("%w %q", ErrInvalidLanguage, part)
	}
	if alias, ok := traineddataAliases[iso3]; ok {
		return alias, nil
	}
	return iso3, nil
}

// traineddataAliases maps ISO 639-3 codes whose traineddata file is named
// differently.
var traineddataAliases = map[string]string{
	"zho": "chi_sim",
}

// Output is the raw engine output for one region.
type Output struct {
	Text            string
	WordConfidences []int
}

// Engine is a text recognition engine. Implementations are not required to
// be re-entrant: the scheduler worker is the only caller.
type Engine interface {
	// Configure prepares the engine for subsequent Recognize calls.
	Configure(lang string, mode PageSegMode, variables map[string]string) error
	// Recognize returns text and per-word confidences in [0,100] for h.
	// h is not consumed.
	Recognize(ctx context.Context, h *imagestore.Handle) (Output, error)
	// Reset drops per-job state set by Configure.
	Reset()
	// Close releases the engine.
	Close() error
}
