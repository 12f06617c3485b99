package recognizer

import (
	"encoding/json"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult_AverageConfidence(t *testing.T) {
	r := NewResult(image.Rect(0, 0, 10, 10), "hello world", []int{90, 80}, 0)
	assert.InDelta(t, 85.0, r.AverageConfidence(), 1e-9)
	// cached value stays the same
	assert.InDelta(t, 85.0, r.AverageConfidence(), 1e-9)

	empty := NewResult(image.Rectangle{}, "", nil, 0)
	assert.Zero(t, empty.AverageConfidence())
	assert.True(t, empty.Empty())
}

func TestResult_ConfidencesAreCopied(t *testing.T) {
	in := []int{10, 20}
	r := NewResult(image.Rectangle{}, "x", in, 0)
	in[0] = 99
	got := r.WordConfidences()
	assert.Equal(t, []int{10, 20}, got)
	got[1] = 0
	assert.Equal(t, []int{10, 20}, r.WordConfidences())
}

func TestResult_MarshalJSON(t *testing.T) {
	r := NewResult(image.Rect(5, 6, 25, 16), "abc", []int{50, 70}, 180)
	data, err := json.Marshal(r)
	require.NoError(t, err)

	var out ResultJSON
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, 5, out.Box.X)
	assert.Equal(t, 6, out.Box.Y)
	assert.Equal(t, 20, out.Box.W)
	assert.Equal(t, 10, out.Box.H)
	assert.Equal(t, "abc", out.Text)
	assert.InDelta(t, 60.0, out.AverageConfidence, 1e-9)
	assert.InDelta(t, 180.0, out.Angle, 1e-9)
}

func TestEngineLanguage(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "eng", false},
		{"en", "eng", false},
		{"de-DE", "deu", false},
		{"eng", "eng", false},
		{"eng+deu", "eng+deu", false},
		{"en+fr", "eng+fra", false},
		{"chi_sim", "chi_sim", false},
		{"zh", "chi_sim", false},
		{"not a language!", "", true},
		{"eng+", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := EngineLanguage(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidLanguage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePageSegMode(t *testing.T) {
	m, err := ParsePageSegMode("single_line")
	require.NoError(t, err)
	assert.Equal(t, PSMSingleLine, m)

	m, err = ParsePageSegMode("6")
	require.NoError(t, err)
	assert.Equal(t, PSMSingleBlock, m)

	m, err = ParsePageSegMode("")
	require.NoError(t, err)
	assert.Equal(t, PSMAuto, m)

	_, err = ParsePageSegMode("42")
	assert.Error(t, err)
	_, err = ParsePageSegMode("sideways")
	assert.Error(t, err)

	assert.Equal(t, "single_line", PSMSingleLine.String())
}

func TestParams_EngineVariables(t *testing.T) {
	p := DefaultParams()
	assert.Empty(t, p.EngineVariables())

	p.Spellcheck = false
	p.Variables = map[string]string{"load_freq_dawg": "1", "tessedit_char_whitelist": "0123456789"}
	vars := p.EngineVariables()
	assert.Equal(t, "0", vars["load_system_dawg"])
	assert.Equal(t, "1", vars["load_freq_dawg"])
	assert.Equal(t, "0123456789", vars["tessedit_char_whitelist"])
}

func TestParams_Clone(t *testing.T) {
	p := DefaultParams()
	p.Variables = map[string]string{"a": "1"}
	c := p.Clone()
	c.Variables["a"] = "2"
	assert.Equal(t, "1", p.Variables["a"])
}
