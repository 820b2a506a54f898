package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	runsStartedTotal    atomic.Uint64
	runsSucceededTotal  atomic.Uint64
	runsFailedTotal     atomic.Uint64
	runsSupersededTotal atomic.Uint64

	failuresMu     sync.Mutex
	failuresByCode = map[string]uint64{}

	renderDuration   = newHistogram([]float64{500, 1000, 2000, 5000, 10000, 20000, 30000, 60000, 120000})
	analysisDuration = newHistogram([]float64{1000, 2000, 5000, 10000, 20000, 30000, 60000, 120000, 300000})
)

// IncRunsStarted increments the started counter.
func IncRunsStarted() {
	runsStartedTotal.Add(1)
}

// IncRunsSucceeded increments the succeeded counter.
func IncRunsSucceeded() {
	runsSucceededTotal.Add(1)
}

// IncRunsFailed increments the failed counter and the per-code breakdown.
func IncRunsFailed(code string) {
	runsFailedTotal.Add(1)
	if code == "" {
		return
	}
	failuresMu.Lock()
	failuresByCode[code]++
	failuresMu.Unlock()
}

// IncRunsSuperseded increments the superseded counter.
func IncRunsSuperseded() {
	runsSupersededTotal.Add(1)
}

// ObserveRenderDurationMs records a render duration in milliseconds.
func ObserveRenderDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	renderDuration.Observe(value)
}

// ObserveAnalysisDurationMs records an analysis duration in milliseconds.
func ObserveAnalysisDurationMs(value float64) {
	if value < 0 {
		value = 0
	}
	analysisDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "deckcheck_runs_started_total", "Total pipeline runs started", runsStartedTotal.Load())
	writeCounter(&buf, "deckcheck_runs_succeeded_total", "Total pipeline runs succeeded", runsSucceededTotal.Load())
	writeCounter(&buf, "deckcheck_runs_failed_total", "Total pipeline runs failed", runsFailedTotal.Load())
	writeCounter(&buf, "deckcheck_runs_superseded_total", "Total pipeline runs superseded by a newer submission", runsSupersededTotal.Load())
	writeLabeledCounter(&buf, "deckcheck_run_failures_total", "Failed runs by failure code", "code", failureSnapshot())
	writeHistogram(&buf, "deckcheck_render_duration_ms", "Render stage duration in milliseconds", renderDuration.Snapshot())
	writeHistogram(&buf, "deckcheck_analysis_duration_ms", "Analysis stage duration in milliseconds", analysisDuration.Snapshot())
	return buf.String()
}

func failureSnapshot() map[string]uint64 {
	failuresMu.Lock()
	defer failuresMu.Unlock()
	out := make(map[string]uint64, len(failuresByCode))
	for k, v := range failuresByCode {
		out[k] = v
	}
	return out
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
	return out
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

func writeLabeledCounter(buf *bytes.Buffer, name, help, label string, values map[string]uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(buf, "%s{%s=%q} %d\n", name, label, k, values[k])
	}
}

func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	// counts are already cumulative: Observe bumps every bucket whose bound covers the value.
	for i, bound := range snap.buckets {
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), snap.counts[i])
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// SinceMillis returns the milliseconds elapsed since start.
func SinceMillis(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
