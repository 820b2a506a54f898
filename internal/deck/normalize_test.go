package deck

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawWithMisspelling = `{
  "presentation_title": "The Shiny Side of LLMs",
  "total_slides": 25,
  "percent_with_code": 40.0,
  "percent_with_images": 60.0,
  "estimated_duration_minutes": 15,
  "tone": "Technical and informative",
  "clarity": {"score": 7, "justification": "Clear", "improvements": "Define terms on slide 3", "score_after_improvements": 9},
  "relevance": {"score": 8, "justification": "Fits", "improvements": "Add examples", "score_after_improvements": 9},
  "visual_design": {"score": 6, "justification": "Cluttered", "improvements": "Reduce text on slide 5", "score_after_improvements": 8},
  "engagement": {"score": 5, "justification": "Flat", "improvements": "Add a poll", "score_after_improvements": 7},
  "pacing": {"score": 7, "justification": "Dense in places", "improvements": "Split slide 20", "score_after_improvements": 8},
  "structure": {"score": 8, "justification": "Logical", "improvements": null, "score_after_improvements": 8},
  "concistency": {"score": 6, "justification": "Minor variations", "improvements": "Standardize bullets", "score_after_improvements": 8},
  "accessibility": {"score": 7, "justification": "Good fonts", "score_after_improvements": 8}
}`

func decodeRaw(t *testing.T, payload string) RawAnalysis {
	t.Helper()
	var raw RawAnalysis
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))
	return raw
}

func TestNormalizeCanonicalizesConsistency(t *testing.T) {
	raw := decodeRaw(t, rawWithMisspelling)
	require.Contains(t, raw.Categories, "concistency")

	result, err := Normalize(raw)
	require.NoError(t, err)

	var names []string
	for _, e := range result.Evals {
		names = append(names, e.Category)
	}
	assert.Contains(t, names, CategoryConsistency)
	assert.NotContains(t, names, "concistency")
}

func TestNormalizeShape(t *testing.T) {
	result, err := Normalize(decodeRaw(t, rawWithMisspelling))
	require.NoError(t, err)
	require.Len(t, result.Evals, len(Categories))

	wantMeta := Meta{
		PresentationTitle:        "The Shiny Side of LLMs",
		TotalSlides:              25,
		PercentWithCode:          40,
		PercentWithImages:        60,
		EstimatedDurationMinutes: 15,
		Tone:                     "Technical and informative",
	}
	if diff := cmp.Diff(wantMeta, result.Meta); diff != "" {
		t.Fatalf("meta mismatch (-want +got):\n%s", diff)
	}

	metaJSON, err := json.Marshal(result.Meta)
	require.NoError(t, err)
	var metaFields map[string]any
	require.NoError(t, json.Unmarshal(metaJSON, &metaFields))
	assert.Len(t, metaFields, 6)

	for i, category := range Categories {
		assert.Equal(t, category, result.Evals[i].Category)
	}
}

func TestNormalizeNullImprovementsBecomeEmpty(t *testing.T) {
	result, err := Normalize(decodeRaw(t, rawWithMisspelling))
	require.NoError(t, err)

	byCategory := map[string]Evaluation{}
	for _, e := range result.Evals {
		byCategory[e.Category] = e
	}
	assert.Equal(t, "", byCategory[CategoryStructure].Improvements)
	assert.Equal(t, "", byCategory[CategoryAccessibility].Improvements)
	assert.Equal(t, "Standardize bullets", byCategory[CategoryConsistency].Improvements)
	assert.Equal(t, 2, byCategory[CategoryClarity].Gain())
}

func TestNormalizeMissingCategory(t *testing.T) {
	raw := decodeRaw(t, rawWithMisspelling)
	delete(raw.Categories, CategoryPacing)

	_, err := Normalize(raw)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMalformedInput))
	assert.Contains(t, err.Error(), CategoryPacing)
}

func TestNormalizeUnexpectedCategory(t *testing.T) {
	raw := decodeRaw(t, rawWithMisspelling)
	raw.Categories["humor"] = RawEvaluation{Score: 3}

	_, err := Normalize(raw)
	require.ErrorIs(t, err, ErrMalformedInput)
	assert.Contains(t, err.Error(), "humor")
}

func TestNormalizeBothSpellingsRejected(t *testing.T) {
	raw := decodeRaw(t, rawWithMisspelling)
	raw.Categories[CategoryConsistency] = RawEvaluation{Score: 6, ScoreAfterImprovements: 8}

	_, err := Normalize(raw)
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestRawAnalysisRejectsNonObjectCategory(t *testing.T) {
	var raw RawAnalysis
	err := json.Unmarshal([]byte(`{"tone": "calm", "clarity": 7}`), &raw)
	require.Error(t, err)
}

func TestRawAnalysisRoundTripKeepsKeys(t *testing.T) {
	raw := decodeRaw(t, rawWithMisspelling)
	data, err := json.Marshal(raw)
	require.NoError(t, err)

	var again RawAnalysis
	require.NoError(t, json.Unmarshal(data, &again))
	if diff := cmp.Diff(raw, again); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}
