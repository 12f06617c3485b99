package recognizer

import (
	"encoding/json"
	"image"
	"sync"
)

// Result is one recognized region. It is immutable once constructed; share it
// by pointer.
type Result struct {
	box             image.Rectangle
	text            string
	wordConfidences []int
	angle           float64

	avgOnce sync.Once
	avg     float64
}

// NewResult builds a Result. box is in original-image coordinates and angle
// in degrees. confidences is copied.
func NewResult(box image.Rectangle, text string, confidences []int, angle float64) *Result {
	c := make([]int, len(confidences))
	copy(c, confidences)
	return &Result{box: box, text: text, wordConfidences: c, angle: angle}
}

// Box returns the bounding box in original-image pixel coordinates.
func (r *Result) Box() image.Rectangle { return r.box }

// Text returns the recognized text.
func (r *Result) Text() string { return r.text }

// WordConfidences returns a copy of the per-word confidences.
func (r *Result) WordConfidences() []int {
	c := make([]int, len(r.wordConfidences))
	copy(c, r.wordConfidences)
	return c
}

// Angle returns the text angle in degrees.
func (r *Result) Angle() float64 { return r.angle }

// AverageConfidence returns the mean word confidence, or 0 without words.
func (r *Result) AverageConfidence() float64 {
	r.avgOnce.Do(func() {
		if len(r.wordConfidences) == 0 {
			return
		}
		var sum int
		for _, c := range r.wordConfidences {
			sum += c
		}
		r.avg = float64(sum) / float64(len(r.wordConfidences))
	})
	return r.avg
}

// Empty reports whether no text was recognized.
func (r *Result) Empty() bool { return r.text == "" }

// ResultJSON is the serialized form of a Result.
type ResultJSON struct {
	Box struct {
		X int `json:"x"`
		Y int `json:"y"`
		W int `json:"w"`
		H int `json:"h"`
	} `json:"box"`
	Text              string  `json:"text"`
	WordConfidences   []int   `json:"word_confidences"`
	AverageConfidence float64 `json:"average_confidence"`
	Angle             float64 `json:"angle"`
}

// MarshalJSON implements json.Marshaler.
func (r *Result) MarshalJSON() ([]byte, error) {
	var out ResultJSON
	out.Box.X = r.box.Min.X
	out.Box.Y = r.box.Min.Y
	out.Box.W = r.box.Dx()
	out.Box.H = r.box.Dy()
	out.Text = r.text
	out.WordConfidences = r.WordConfidences()
	out.AverageConfidence = r.AverageConfidence()
	out.Angle = r.angle
	return json.Marshal(out)
}
