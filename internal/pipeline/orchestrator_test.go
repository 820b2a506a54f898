package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"deckcheck/internal/deck"
	"deckcheck/internal/notify"
	"deckcheck/internal/queue"
	"deckcheck/internal/runs"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeRenderer blocks its first call on block when set.
type fakeRenderer struct {
	err     error
	block   chan struct{}
	calls   atomic.Int32
	workDir atomic.Value
}

func (f *fakeRenderer) Render(ctx context.Context, source deck.Source, workDir string) (deck.RenderedDeck, error) {
	call := f.calls.Add(1)
	f.workDir.Store(workDir)
	rc, err := source.Open(ctx)
	if err != nil {
		return deck.RenderedDeck{}, err
	}
	_, _ = io.Copy(io.Discard, rc)
	rc.Close()
	if f.block != nil && call == 1 {
		select {
		case <-f.block:
		case <-ctx.Done():
			return deck.RenderedDeck{}, ctx.Err()
		}
	}
	if f.err != nil {
		return deck.RenderedDeck{}, f.err
	}
	return deck.RenderedDeck{WorkDir: workDir, PlainText: "# Slide", Markup: "<section>a</section>"}, nil
}

type fakeAnalyzer struct {
	raw   deck.RawAnalysis
	err   error
	panic bool
	calls atomic.Int32
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req deck.Request, rendered deck.RenderedDeck) (deck.RawAnalysis, error) {
	f.calls.Add(1)
	if f.panic {
		panic("boom")
	}
	if f.err != nil {
		return deck.RawAnalysis{}, f.err
	}
	return f.raw, nil
}

func fixtureRaw(t *testing.T) deck.RawAnalysis {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "analysis", "testdata", "analysis.json"))
	require.NoError(t, err)
	var raw deck.RawAnalysis
	require.NoError(t, json.Unmarshal(data, &raw))
	return raw
}

func stringSource(name, body string) *deck.Source {
	return &deck.Source{
		Name: name,
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(body)), nil
		},
	}
}

func validRequest() deck.Request {
	return deck.Request{
		Audience:      "workshop attendees",
		LengthMinutes: 10,
		TalkType:      "talk",
		Event:         "Conf2025",
		Source:        stringSource("talk.qmd", "---\ntitle: Talk\n---\n## One\n"),
	}
}

type harness struct {
	orch     *Orchestrator
	repo     *runs.MemoryRepo
	center   *notify.Center
	queue    *queue.MemoryClient
	workDir  string
	renderer *fakeRenderer
	analyzer *fakeAnalyzer
}

func newHarness(t *testing.T, renderer *fakeRenderer, analyzer *fakeAnalyzer) *harness {
	t.Helper()
	q := &queue.MemoryClient{}
	h := &harness{
		repo:     runs.NewMemoryRepo(),
		queue:    q,
		center:   notify.NewCenter(q),
		workDir:  t.TempDir(),
		renderer: renderer,
		analyzer: analyzer,
	}
	orch, err := New(Config{
		Renderer: renderer,
		Analyzer: analyzer,
		Runs:     h.repo,
		Notifier: h.center,
		WorkDir:  h.workDir,
		Provider: "openai",
		Model:    "gpt-4o",
	})
	require.NoError(t, err)
	h.orch = orch
	t.Cleanup(orch.Close)
	return h
}

func waitFor(t *testing.T, orch *Orchestrator, runID string) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := orch.Wait(ctx, runID)
	require.NoError(t, err)
	return st
}

func TestSubmitSucceeds(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, &fakeAnalyzer{raw: fixtureRaw(t)})

	runID, err := h.orch.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	st := waitFor(t, h.orch, runID)
	require.Equal(t, PhaseSucceeded, st.Phase)
	require.NotNil(t, st.Result)
	assert.Len(t, st.Result.Evals, len(deck.Categories))
	assert.Nil(t, st.Failure)
	assert.Equal(t, st, h.orch.State())

	run, err := h.repo.GetByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSucceeded, run.Status)
	assert.NotNil(t, run.Result)
	assert.Equal(t, "openai", run.Provider)
	assert.NotNil(t, run.CompletedAt)

	assert.Empty(t, h.center.List(false))

	wd, _ := h.renderer.workDir.Load().(string)
	require.NotEmpty(t, wd)
	_, statErr := os.Stat(wd)
	assert.True(t, os.IsNotExist(statErr), "work dir should be removed after the run")
}

func TestRenderFailureSkipsAnalyzer(t *testing.T) {
	renderErr := fmt.Errorf("%w: quarto exited with status 1", deck.ErrRenderFailure)
	h := newHarness(t, &fakeRenderer{err: renderErr}, &fakeAnalyzer{})

	runID, err := h.orch.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	st := waitFor(t, h.orch, runID)
	require.Equal(t, PhaseFailed, st.Phase)
	require.NotNil(t, st.Failure)
	assert.Equal(t, deck.ErrorCodeRender, st.Failure.Code)
	assert.Equal(t, deck.UserMessage(deck.ErrRenderFailure), st.Failure.Message)
	assert.NotContains(t, st.Failure.Message, "quarto")
	assert.Zero(t, h.analyzer.calls.Load())

	notes := h.center.List(false)
	require.Len(t, notes, 1)
	assert.Equal(t, runID, notes[0].RunID)
	assert.Equal(t, deck.ErrorCodeRender, notes[0].Code)
	require.Len(t, h.queue.Sent(), 1)

	run, err := h.repo.GetByID(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusFailed, run.Status)
	assert.Equal(t, deck.ErrorCodeRender, run.ErrorCode)
	assert.Contains(t, run.ErrorDetail, "quarto exited")
}

func TestAnalysisFailureCarriesCode(t *testing.T) {
	analyzeErr := deck.WithCode(deck.ErrorCodeLLMQuota, fmt.Errorf("%w: insufficient_quota", deck.ErrAnalysisFailure))
	h := newHarness(t, &fakeRenderer{}, &fakeAnalyzer{err: analyzeErr})

	runID, err := h.orch.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	st := waitFor(t, h.orch, runID)
	require.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, deck.ErrorCodeLLMQuota, st.Failure.Code)
	assert.NotContains(t, st.Failure.Message, "insufficient_quota")
}

func TestMalformedResultFails(t *testing.T) {
	raw := fixtureRaw(t)
	delete(raw.Categories, deck.CategoryPacing)
	h := newHarness(t, &fakeRenderer{}, &fakeAnalyzer{raw: raw})

	runID, err := h.orch.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	st := waitFor(t, h.orch, runID)
	require.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, deck.ErrorCodeMalformed, st.Failure.Code)
}

func TestPanicBecomesInternalError(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, &fakeAnalyzer{panic: true})

	runID, err := h.orch.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	st := waitFor(t, h.orch, runID)
	require.Equal(t, PhaseFailed, st.Phase)
	assert.Equal(t, deck.ErrorCodeInternal, st.Failure.Code)
}

func TestSubmitWithoutSourceIsNoop(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, &fakeAnalyzer{})
	before := h.orch.State()

	req := validRequest()
	req.Source = nil
	runID, err := h.orch.Submit(context.Background(), req)
	require.ErrorIs(t, err, ErrNoSource)
	assert.Empty(t, runID)
	assert.Equal(t, before, h.orch.State())
	assert.Equal(t, PhaseIdle, h.orch.State().Phase)
	assert.Zero(t, h.renderer.calls.Load())

	list, err := h.repo.List(context.Background(), 0, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSubmitRejectsInvalidRequest(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, &fakeAnalyzer{})

	req := validRequest()
	req.LengthMinutes = 0
	_, err := h.orch.Submit(context.Background(), req)
	require.ErrorIs(t, err, deck.ErrInvalidRequest)
	assert.Equal(t, PhaseIdle, h.orch.State().Phase)

	req = validRequest()
	req.Source = stringSource("talk.pptx", "x")
	_, err = h.orch.Submit(context.Background(), req)
	require.ErrorIs(t, err, deck.ErrInvalidRequest)
}

func TestSupersededRunCannotCommit(t *testing.T) {
	block := make(chan struct{})
	renderer := &fakeRenderer{block: block}
	h := newHarness(t, renderer, &fakeAnalyzer{raw: fixtureRaw(t)})

	first, err := h.orch.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return renderer.calls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	second, err := h.orch.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	require.NotEqual(t, first, second)
	close(block)

	firstState := waitFor(t, h.orch, first)
	assert.Equal(t, PhaseSuperseded, firstState.Phase)

	st := waitFor(t, h.orch, second)
	require.Equal(t, PhaseSucceeded, st.Phase)
	assert.Equal(t, second, h.orch.State().RunID)

	run, err := h.repo.GetByID(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSuperseded, run.Status)
	assert.Empty(t, h.center.List(false), "superseded runs do not notify")
}

func TestSubscribeSeesTransitions(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, &fakeAnalyzer{raw: fixtureRaw(t)})
	ch, cancel := h.orch.Subscribe()
	defer cancel()

	initial := <-ch
	assert.Equal(t, PhaseIdle, initial.Phase)

	runID, err := h.orch.Submit(context.Background(), validRequest())
	require.NoError(t, err)

	var seen []Phase
	timeout := time.After(5 * time.Second)
	for {
		select {
		case st := <-ch:
			seen = append(seen, st.Phase)
			if st.RunID == runID && st.Phase.Terminal() {
				assert.Equal(t, []Phase{PhaseRendering, PhaseAnalyzing, PhaseSucceeded}, seen)
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for terminal state, saw %v", seen)
		}
	}
}

func TestWaitUnknownRun(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, &fakeAnalyzer{})
	_, err := h.orch.Wait(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrUnknownRun))
}

func TestSubmitAfterClose(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, &fakeAnalyzer{})
	h.orch.Close()
	_, err := h.orch.Submit(context.Background(), validRequest())
	assert.ErrorIs(t, err, ErrClosed)
}

// gatedAnalyzer holds its first call until gate closes and ignores
// cancellation while it waits, like a provider call that cannot be aborted.
type gatedAnalyzer struct {
	raw     deck.RawAnalysis
	gate    chan struct{}
	calls   atomic.Int32
	entered chan struct{}
	done    chan struct{}
}

func (g *gatedAnalyzer) Analyze(ctx context.Context, req deck.Request, rendered deck.RenderedDeck) (deck.RawAnalysis, error) {
	if g.calls.Add(1) == 1 {
		defer close(g.done)
		close(g.entered)
		<-g.gate
	}
	return g.raw, nil
}

func TestStaleAnalysisCannotOverwriteSuccessor(t *testing.T) {
	analyzer := &gatedAnalyzer{
		raw:     fixtureRaw(t),
		gate:    make(chan struct{}),
		entered: make(chan struct{}),
		done:    make(chan struct{}),
	}
	repo := runs.NewMemoryRepo()
	orch, err := New(Config{
		Renderer: &fakeRenderer{},
		Analyzer: analyzer,
		Runs:     repo,
		WorkDir:  t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	first, err := orch.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	select {
	case <-analyzer.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("first run never reached analysis")
	}

	second, err := orch.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	st := waitFor(t, orch, second)
	require.Equal(t, PhaseSucceeded, st.Phase)

	before, err := repo.GetByID(context.Background(), second)
	require.NoError(t, err)

	close(analyzer.gate)
	select {
	case <-analyzer.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("stale analysis never returned")
	}
	orch.Close()

	current := orch.State()
	assert.Equal(t, second, current.RunID)
	assert.Equal(t, PhaseSucceeded, current.Phase)
	require.NotNil(t, current.Result)
	assert.Equal(t, st.Result, current.Result)

	after, err := repo.GetByID(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	stale, err := repo.GetByID(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSuperseded, stale.Status)
	assert.Nil(t, stale.Result)

	firstState := waitFor(t, orch, first)
	assert.Equal(t, PhaseSuperseded, firstState.Phase)
}

func TestWaitRemembersFinishedRuns(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, &fakeAnalyzer{raw: fixtureRaw(t)})

	first, err := h.orch.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, PhaseSucceeded, waitFor(t, h.orch, first).Phase)

	second, err := h.orch.Submit(context.Background(), validRequest())
	require.NoError(t, err)
	require.Equal(t, PhaseSucceeded, waitFor(t, h.orch, second).Phase)

	st := waitFor(t, h.orch, first)
	assert.Equal(t, first, st.RunID)
	assert.Equal(t, PhaseSucceeded, st.Phase)
}

func TestWaitForgetsOldestBeyondLimit(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, &fakeAnalyzer{raw: fixtureRaw(t)})

	var ids []string
	for i := 0; i < finalsLimit+1; i++ {
		id, err := h.orch.Submit(context.Background(), validRequest())
		require.NoError(t, err)
		waitFor(t, h.orch, id)
		ids = append(ids, id)
	}

	_, err := h.orch.Wait(context.Background(), ids[0])
	assert.ErrorIs(t, err, ErrUnknownRun)
	st := waitFor(t, h.orch, ids[1])
	assert.Equal(t, PhaseSucceeded, st.Phase)
}

func TestSubmitReportsPreviousPhase(t *testing.T) {
	h := newHarness(t, &fakeRenderer{}, &fakeAnalyzer{raw: fixtureRaw(t)})

	first, from, err := h.orch.submit(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, PhaseIdle, from)
	waitFor(t, h.orch, first)

	_, from, err = h.orch.submit(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, PhaseSucceeded, from)
}
