package deck

import (
	"encoding/json"
	"fmt"
)

// Category names, in the order results are emitted.
const (
	CategoryClarity       = "clarity"
	CategoryRelevance     = "relevance"
	CategoryVisualDesign  = "visual_design"
	CategoryEngagement    = "engagement"
	CategoryPacing        = "pacing"
	CategoryStructure     = "structure"
	CategoryConsistency   = "consistency"
	CategoryAccessibility = "accessibility"
)

// misspelledConsistency is emitted by older prompt/schema revisions.
const misspelledConsistency = "concistency"

// Categories is the closed set of evaluation dimensions.
var Categories = []string{
	CategoryClarity,
	CategoryRelevance,
	CategoryVisualDesign,
	CategoryEngagement,
	CategoryPacing,
	CategoryStructure,
	CategoryConsistency,
	CategoryAccessibility,
}

// Meta key names as produced by the model.
const (
	MetaPresentationTitle        = "presentation_title"
	MetaTotalSlides              = "total_slides"
	MetaPercentWithCode          = "percent_with_code"
	MetaPercentWithImages        = "percent_with_images"
	MetaEstimatedDurationMinutes = "estimated_duration_minutes"
	MetaTone                     = "tone"
)

var metaKeys = map[string]struct{}{
	MetaPresentationTitle:        {},
	MetaTotalSlides:              {},
	MetaPercentWithCode:          {},
	MetaPercentWithImages:        {},
	MetaEstimatedDurationMinutes: {},
	MetaTone:                     {},
}

// RenderedDeck holds the two renditions produced for one run.
type RenderedDeck struct {
	WorkDir       string
	PlainText     string
	PlainTextPath string
	Markup        string
	MarkupPath    string
}

// Meta is the summary block of an analysis.
type Meta struct {
	PresentationTitle        string  `json:"presentation_title"`
	TotalSlides              int     `json:"total_slides"`
	PercentWithCode          float64 `json:"percent_with_code"`
	PercentWithImages        float64 `json:"percent_with_images"`
	EstimatedDurationMinutes int     `json:"estimated_duration_minutes"`
	Tone                     string  `json:"tone"`
}

// RawEvaluation is one category entry as returned by the model.
type RawEvaluation struct {
	Score                  int     `json:"score"`
	Justification          string  `json:"justification"`
	Improvements           *string `json:"improvements"`
	ScoreAfterImprovements int     `json:"score_after_improvements"`
}

// RawAnalysis is the structured model output. Every non-meta key is kept
// verbatim in Categories so that Normalize can see misspelled or unexpected keys.
type RawAnalysis struct {
	Meta       Meta
	Categories map[string]RawEvaluation
}

// UnmarshalJSON partitions the flat model object into meta and category entries.
func (r *RawAnalysis) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	metaFields := make(map[string]json.RawMessage, len(metaKeys))
	categories := make(map[string]RawEvaluation, len(Categories))
	for key, value := range fields {
		if _, ok := metaKeys[key]; ok {
			metaFields[key] = value
			continue
		}
		var eval RawEvaluation
		if err := json.Unmarshal(value, &eval); err != nil {
			return fmt.Errorf("decode category %q: %w", key, err)
		}
		categories[key] = eval
	}

	metaJSON, err := json.Marshal(metaFields)
	if err != nil {
		return err
	}
	var meta Meta
	if err := json.Unmarshal(metaJSON, &meta); err != nil {
		return fmt.Errorf("decode meta: %w", err)
	}

	r.Meta = meta
	r.Categories = categories
	return nil
}

// MarshalJSON writes the flat shape the model produces.
func (r RawAnalysis) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Categories)+len(metaKeys))
	out[MetaPresentationTitle] = r.Meta.PresentationTitle
	out[MetaTotalSlides] = r.Meta.TotalSlides
	out[MetaPercentWithCode] = r.Meta.PercentWithCode
	out[MetaPercentWithImages] = r.Meta.PercentWithImages
	out[MetaEstimatedDurationMinutes] = r.Meta.EstimatedDurationMinutes
	out[MetaTone] = r.Meta.Tone
	for key, eval := range r.Categories {
		out[key] = eval
	}
	return json.Marshal(out)
}

// Evaluation is one category row of a normalized result.
type Evaluation struct {
	Category               string `json:"category"`
	Score                  int    `json:"score"`
	Justification          string `json:"justification"`
	Improvements           string `json:"improvements"`
	ScoreAfterImprovements int    `json:"score_after_improvements"`
}

// Gain is the expected score increase once improvements are applied.
func (e Evaluation) Gain() int {
	return e.ScoreAfterImprovements - e.Score
}

// NormalizedResult is the display-facing shape of an analysis.
type NormalizedResult struct {
	Meta  Meta         `json:"meta"`
	Evals []Evaluation `json:"evals"`
}
