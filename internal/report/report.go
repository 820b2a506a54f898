// Package report shapes a normalized result into the dashboard view model.
package report

import (
	"bytes"
	"sort"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"deckcheck/internal/deck"
)

// ValueBox is one headline figure.
type ValueBox struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

// Bar is one entry of the scores chart.
type Bar struct {
	Category string `json:"category"`
	Label    string `json:"label"`
	Score    int    `json:"score"`
}

// Row is one entry of the improvements table.
type Row struct {
	Category               string `json:"category"`
	CurrentScore           int    `json:"currentScore"`
	Improvements           string `json:"improvements"`
	ImprovementsHTML       string `json:"improvementsHtml"`
	ScoreAfterImprovements int    `json:"scoreAfterImprovements"`
	Gain                   int    `json:"gain"`
}

// Report is everything the dashboard renders for one run.
type Report struct {
	Title      string     `json:"title"`
	Tone       string     `json:"tone"`
	TotalSlide int        `json:"totalSlides"`
	ValueBoxes []ValueBox `json:"valueBoxes"`
	Scores     []Bar      `json:"scores"`
	Table      []Row      `json:"table"`
}

var titleCaser = cases.Title(language.English)

// Label title-cases a category name, e.g. visual_design becomes "Visual Design".
func Label(category string) string {
	return titleCaser.String(strings.ReplaceAll(category, "_", " "))
}

// Build derives the report. Bars are sorted by score ascending and table rows
// by gain descending; ties keep category order.
func Build(result deck.NormalizedResult) Report {
	r := Report{
		Title:      result.Meta.PresentationTitle,
		Tone:       result.Meta.Tone,
		TotalSlide: result.Meta.TotalSlides,
		ValueBoxes: []ValueBox{
			{Title: "Showtime", Value: strconv.Itoa(result.Meta.EstimatedDurationMinutes) + " minutes"},
			{Title: "Code Savviness", Value: formatPercent(result.Meta.PercentWithCode)},
			{Title: "Image Presence", Value: formatPercent(result.Meta.PercentWithImages)},
		},
		Scores: make([]Bar, 0, len(result.Evals)),
		Table:  make([]Row, 0, len(result.Evals)),
	}

	for _, e := range result.Evals {
		r.Scores = append(r.Scores, Bar{Category: e.Category, Label: Label(e.Category), Score: e.Score})
		r.Table = append(r.Table, Row{
			Category:               Label(e.Category),
			CurrentScore:           e.Score,
			Improvements:           e.Improvements,
			ImprovementsHTML:       markdownToHTML(e.Improvements),
			ScoreAfterImprovements: e.ScoreAfterImprovements,
			Gain:                   e.Gain(),
		})
	}
	sort.SliceStable(r.Scores, func(i, j int) bool { return r.Scores[i].Score < r.Scores[j].Score })
	sort.SliceStable(r.Table, func(i, j int) bool { return r.Table[i].Gain > r.Table[j].Gain })
	return r
}

func formatPercent(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + " %"
}

func markdownToHTML(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(src), &buf); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}
