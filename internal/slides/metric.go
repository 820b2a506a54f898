// Package slides computes structural facts about a rendered reveal.js deck.
package slides

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"deckcheck/internal/deck"
	"deckcheck/internal/llm"
)

// Metric names a computable slide fact.
type Metric string

const (
	TotalSlides  Metric = "total_slides"
	CodePercent  Metric = "code_percent"
	ImagePercent Metric = "image_percent"
)

// Metrics lists every supported metric.
var Metrics = []Metric{TotalSlides, CodePercent, ImagePercent}

const (
	slideMarker = "<section"
	codeMarker  = `class="sourceCode"`
	imageMarker = "<img"
)

// ParseMetric validates a metric name.
func ParseMetric(name string) (Metric, error) {
	for _, m := range Metrics {
		if string(m) == name {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: %q (choose total_slides, code_percent or image_percent)", deck.ErrInvalidMetric, name)
}

// Compute reads the markup rendition at path and returns the requested metric.
// A deck without slide markers fails with deck.ErrDivisionByZero for every metric.
func Compute(path string, metric Metric) (float64, error) {
	if _, err := ParseMetric(string(metric)); err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("rendition %s: %w", path, deck.ErrNotFound)
		}
		return 0, err
	}
	return ComputeMarkup(string(data), metric)
}

// ComputeMarkup is Compute over markup already in memory.
func ComputeMarkup(markup string, metric Metric) (float64, error) {
	if _, err := ParseMetric(string(metric)); err != nil {
		return 0, err
	}
	fragments := Split(markup)
	n := len(fragments)
	if n == 0 {
		return 0, deck.ErrDivisionByZero
	}

	switch metric {
	case TotalSlides:
		return float64(n), nil
	case CodePercent:
		return percent(countContaining(fragments, codeMarker), n), nil
	default:
		return percent(countContaining(fragments, imageMarker), n), nil
	}
}

// Split returns the slide fragments of markup. Text before the first marker is
// preamble and is not a slide.
func Split(markup string) []string {
	parts := strings.Split(markup, slideMarker)
	return parts[1:]
}

func countContaining(fragments []string, marker string) int {
	k := 0
	for _, f := range fragments {
		if strings.Contains(f, marker) {
			k++
		}
	}
	return k
}

func percent(k, n int) float64 {
	return math.Round(100*float64(k)/float64(n)*100) / 100
}

// ToolName is the name the model uses to call the metric extractor.
const ToolName = "calculate_slide_metric"

// Tool exposes Compute over the rendition at path as an LLM tool.
func Tool(path string) llm.Tool {
	return llm.Tool{
		Name: ToolName,
		Description: "Calculates the total number of slides, the percentage of slides with code blocks, " +
			"or the percentage of slides with images in the rendered presentation.",
		Params: []llm.Param{{
			Name:        "metric",
			Type:        "string",
			Description: "total_slides for the slide count, code_percent for the percentage of slides with code, image_percent for the percentage of slides with images.",
			Enum:        []string{string(TotalSlides), string(CodePercent), string(ImagePercent)},
			Required:    true,
		}},
		Call: func(ctx context.Context, args map[string]any) (string, error) {
			if err := ctx.Err(); err != nil {
				return "", err
			}
			name, _ := args["metric"].(string)
			metric, err := ParseMetric(name)
			if err != nil {
				return "", err
			}
			v, err := Compute(path, metric)
			if err != nil {
				return "", err
			}
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		},
	}
}
