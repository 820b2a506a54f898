package deck

import (
	"fmt"
	"sort"
	"strings"
)

// CanonicalCategory maps known spelling variants onto the canonical category name.
func CanonicalCategory(key string) string {
	if key == misspelledConsistency {
		return CategoryConsistency
	}
	return key
}

// Normalize reshapes a raw analysis into meta plus the eight category rows.
// Evals are emitted in the order of Categories.
func Normalize(raw RawAnalysis) (NormalizedResult, error) {
	byCategory := make(map[string]RawEvaluation, len(Categories))
	var unexpected []string
	for key, eval := range raw.Categories {
		canonical := CanonicalCategory(key)
		if !isCategory(canonical) {
			unexpected = append(unexpected, key)
			continue
		}
		if _, dup := byCategory[canonical]; dup {
			return NormalizedResult{}, fmt.Errorf("%w: category %q given more than once", ErrMalformedInput, canonical)
		}
		byCategory[canonical] = eval
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		return NormalizedResult{}, fmt.Errorf("%w: unexpected keys %s", ErrMalformedInput, strings.Join(unexpected, ", "))
	}

	var missing []string
	evals := make([]Evaluation, 0, len(Categories))
	for _, category := range Categories {
		eval, ok := byCategory[category]
		if !ok {
			missing = append(missing, category)
			continue
		}
		improvements := ""
		if eval.Improvements != nil {
			improvements = *eval.Improvements
		}
		evals = append(evals, Evaluation{
			Category:               category,
			Score:                  eval.Score,
			Justification:          eval.Justification,
			Improvements:           improvements,
			ScoreAfterImprovements: eval.ScoreAfterImprovements,
		})
	}
	if len(missing) > 0 {
		return NormalizedResult{}, fmt.Errorf("%w: missing categories %s", ErrMalformedInput, strings.Join(missing, ", "))
	}

	return NormalizedResult{Meta: raw.Meta, Evals: evals}, nil
}

func isCategory(key string) bool {
	for _, c := range Categories {
		if c == key {
			return true
		}
	}
	return false
}
