package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"github.com/MeKo-Tech/ocrq/internal/task"
)

// JobOptions are per-job overrides of the service defaults. Nil and empty
// fields keep the default.
type JobOptions struct {
	Language    string `json:"language,omitempty"`
	PageSegMode string `json:"psm,omitempty"`
	AlignText   *bool  `json:"align,omitempty"`
	DetectText  *bool  `json:"detect,omitempty"`
	Spellcheck  *bool  `json:"spellcheck,omitempty"`
	Debug       *bool  `json:"debug,omitempty"`
}

// Apply writes the overrides into p.
func (o *JobOptions) Apply(p *recognizer.Params) error {
	if o == nil {
		return nil
	}
	if lang := strings.TrimSpace(o.Language); lang != "" {
		if _, err := recognizer.EngineLanguage(lang); err != nil {
			return err
		}
		p.Language = lang
	}
	if o.PageSegMode != "" {
		psm, err := recognizer.ParsePageSegMode(o.PageSegMode)
		if err != nil {
			return err
		}
		p.PageSegMode = psm
	}
	setBool(&p.AlignText, o.AlignText)
	setBool(&p.DetectText, o.DetectText)
	setBool(&p.Spellcheck, o.Spellcheck)
	setBool(&p.Debug, o.Debug)
	return nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

// formOptions reads JobOptions from multipart or query form fields.
func formOptions(r *http.Request) (*JobOptions, error) {
	o := &JobOptions{
		Language:    r.FormValue("language"),
		PageSegMode: r.FormValue("psm"),
	}
	fields := []struct {
		name string
		dst  **bool
	}{
		{"align", &o.AlignText},
		{"detect", &o.DetectText},
		{"spellcheck", &o.Spellcheck},
		{"debug", &o.Debug},
	}
	for _, f := range fields {
		raw := r.FormValue(f.name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q", f.name, raw)
		}
		*f.dst = &v
	}
	return o, nil
}

// requesterParam reads the requester id from the query string.
func requesterParam(r *http.Request) (task.RequesterID, error) {
	raw := r.URL.Query().Get("requester")
	if raw == "" {
		return 0, errors.New("missing requester parameter")
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid requester %q", raw)
	}
	return task.RequesterID(id), nil
}
