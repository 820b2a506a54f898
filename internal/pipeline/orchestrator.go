// Package pipeline owns the single active run: it renders the uploaded deck,
// hands it to the analyzer, and publishes the outcome as pipeline state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"deckcheck/internal/deck"
	"deckcheck/internal/notify"
	"deckcheck/internal/runs"
	"deckcheck/internal/shared/metrics"
	"deckcheck/internal/shared/telemetry"
)

var (
	ErrNoSource   = errors.New("no source provided")
	ErrClosed     = errors.New("pipeline closed")
	ErrUnknownRun = errors.New("unknown run")
)

// DefaultWorkers is the pool size used when Config.Workers is not positive.
const DefaultWorkers = 2

const (
	subscriberBuffer = 8
	logWriteTimeout  = 5 * time.Second
	finalsLimit      = 64
)

// Renderer turns an uploaded source into its two renditions.
type Renderer interface {
	Render(ctx context.Context, source deck.Source, workDir string) (deck.RenderedDeck, error)
}

// Analyzer runs the model conversation over a rendered deck.
type Analyzer interface {
	Analyze(ctx context.Context, req deck.Request, rendered deck.RenderedDeck) (deck.RawAnalysis, error)
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Renderer Renderer
	Analyzer Analyzer
	Runs     runs.Repo
	Notifier *notify.Center
	Workers  int
	WorkDir  string
	Provider string
	Model    string
}

type runHandle struct {
	id       string
	cancel   context.CancelFunc
	done     chan struct{}
	finished bool
	final    State
}

// Orchestrator drives runs through rendering and analysis. Only the most
// recently submitted run may change the published state.
type Orchestrator struct {
	cfg Config
	sem *semaphore.Weighted

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	closeOnce  sync.Once

	// logMu serializes state commits with their run-log writes so a superseded
	// run can never overwrite the row of its successor.
	logMu sync.Mutex

	mu      sync.Mutex
	state   State
	active  *runHandle
	handles map[string]*runHandle
	// finals keeps the terminal state of recently finished runs for Wait,
	// oldest first in finalOrder.
	finals     map[string]State
	finalOrder []string
	subs    map[chan State]struct{}
	closed  bool
}

// New constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Renderer == nil || cfg.Analyzer == nil {
		return nil, errors.New("pipeline: renderer and analyzer are required")
	}
	if cfg.Runs == nil {
		return nil, errors.New("pipeline: run repository is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "deckcheck")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:        cfg,
		sem:        semaphore.NewWeighted(int64(cfg.Workers)),
		baseCtx:    ctx,
		baseCancel: cancel,
		state:      State{Phase: PhaseIdle, UpdatedAt: time.Now().UTC()},
		handles:    make(map[string]*runHandle),
		finals:     make(map[string]State),
		subs:       make(map[chan State]struct{}),
	}, nil
}

// Submit starts a new run and supersedes any run still in flight. A request
// without a source is a no-op and returns ErrNoSource.
func (o *Orchestrator) Submit(ctx context.Context, req deck.Request) (string, error) {
	runID, _, err := o.submit(ctx, req)
	return runID, err
}

// submit is Submit that also reports the phase the shared state left.
func (o *Orchestrator) submit(ctx context.Context, req deck.Request) (string, Phase, error) {
	if req.Source == nil {
		return "", "", ErrNoSource
	}
	if err := req.Validate(); err != nil {
		return "", "", err
	}

	o.logMu.Lock()
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.logMu.Unlock()
		return "", "", ErrClosed
	}
	from := o.state.Phase
	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(o.baseCtx)
	h := &runHandle{id: runID, cancel: cancel, done: make(chan struct{})}

	prev := o.active
	var superseded bool
	if prev != nil && !prev.finished {
		superseded = true
		prev.cancel()
		o.finishLocked(prev, State{RunID: prev.id, Phase: PhaseSuperseded, UpdatedAt: time.Now().UTC()})
	}
	o.active = h
	o.handles[runID] = h
	o.state = State{RunID: runID, Phase: PhaseRendering, UpdatedAt: time.Now().UTC()}
	snap := o.state
	o.wg.Add(1)
	o.mu.Unlock()

	if superseded {
		metrics.IncRunsSuperseded()
		o.record(prev.id, runs.StatusSuperseded, runs.StatusUpdate{})
		telemetry.Info("run.status", map[string]any{
			"run_id":            prev.id,
			"status":            runs.StatusSuperseded,
			"status_transition": string(from) + "->superseded",
			"superseded_by":     runID,
		})
	}

	now := time.Now().UTC()
	run := runs.Run{
		ID:            runID,
		Status:        runs.StatusRendering,
		Audience:      req.Audience,
		LengthMinutes: req.LengthMinutes,
		TalkType:      req.TalkType,
		Event:         req.Event,
		SourceName:    req.Source.Name,
		SourceKey:     req.Source.Key,
		Provider:      o.cfg.Provider,
		Model:         o.cfg.Model,
		StartedAt:     &now,
		CreatedAt:     now,
	}
	if err := o.cfg.Runs.Create(ctx, run); err != nil {
		telemetry.Error("run.log_failed", map[string]any{"run_id": runID, "op": "create", "error": err})
	}
	metrics.IncRunsStarted()
	telemetry.Info("run.status", map[string]any{
		"run_id":            runID,
		"source":            req.Source.Name,
		"status":            runs.StatusRendering,
		"status_transition": string(from) + "->rendering",
	})
	o.broadcast(snap)
	o.logMu.Unlock()

	go o.execute(runCtx, h, req)
	return runID, from, nil
}

// State returns the current pipeline snapshot.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Subscribe returns a channel receiving every published state, starting with
// the current one, and a function that ends the subscription. Slow
// subscribers miss intermediate states but always see the latest.
func (o *Orchestrator) Subscribe() (<-chan State, func()) {
	ch := make(chan State, subscriberBuffer)
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	o.subs[ch] = struct{}{}
	ch <- o.state
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			if _, ok := o.subs[ch]; ok {
				delete(o.subs, ch)
				close(ch)
			}
		})
	}
}

// Wait blocks until runID reaches a terminal phase and returns its final state.
// Superseded runs report PhaseSuperseded. Only the last finalsLimit finished
// runs are remembered.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (State, error) {
	o.mu.Lock()
	h, ok := o.handles[runID]
	if !ok {
		final, done := o.finals[runID]
		o.mu.Unlock()
		if done {
			return final, nil
		}
		return State{}, ErrUnknownRun
	}
	o.mu.Unlock()

	select {
	case <-h.done:
		o.mu.Lock()
		defer o.mu.Unlock()
		return h.final, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Close cancels in-flight runs and waits for them to drain. Concurrent
// callers all return only once draining has finished.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(o.shutdown)
}

func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.baseCancel()
	o.wg.Wait()

	o.mu.Lock()
	for ch := range o.subs {
		delete(o.subs, ch)
		close(ch)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) execute(ctx context.Context, h *runHandle, req deck.Request) {
	defer o.wg.Done()
	defer h.cancel()

	workDir := filepath.Join(o.cfg.WorkDir, h.id)
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			telemetry.Warn("run.cleanup_failed", map[string]any{"run_id": h.id, "error": err})
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			o.fail(h, "panic", deck.WithCode(deck.ErrorCodeInternal, fmt.Errorf("panic: %v", r)))
		}
	}()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.fail(h, "queue", err)
		return
	}
	defer o.sem.Release(1)

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		o.fail(h, "workdir", fmt.Errorf("create work dir: %w", err))
		return
	}

	renderStart := time.Now()
	rendered, err := o.cfg.Renderer.Render(ctx, *req.Source, workDir)
	metrics.ObserveRenderDurationMs(metrics.SinceMillis(renderStart))
	if err != nil {
		o.fail(h, "render", err)
		return
	}

	if !o.commit(h, runs.StatusAnalyzing, runs.StatusUpdate{}, func(s *State) { s.Phase = PhaseAnalyzing }) {
		return
	}
	telemetry.Info("run.status", map[string]any{
		"run_id":            h.id,
		"status":            runs.StatusAnalyzing,
		"status_transition": "rendering->analyzing",
		"duration_ms":       metrics.SinceMillis(renderStart),
	})

	analysisStart := time.Now()
	raw, err := o.cfg.Analyzer.Analyze(ctx, req, rendered)
	metrics.ObserveAnalysisDurationMs(metrics.SinceMillis(analysisStart))
	if err != nil {
		o.fail(h, "analyze", err)
		return
	}
	result, err := deck.Normalize(raw)
	if err != nil {
		o.fail(h, "normalize", err)
		return
	}

	if !o.commit(h, runs.StatusSucceeded, runs.StatusUpdate{Result: &result}, func(s *State) {
		s.Phase = PhaseSucceeded
		s.Result = &result
	}) {
		return
	}
	metrics.IncRunsSucceeded()
	telemetry.Info("run.status", map[string]any{
		"run_id":            h.id,
		"status":            runs.StatusSucceeded,
		"status_transition": "analyzing->succeeded",
		"duration_ms":       metrics.SinceMillis(analysisStart),
	})
}

func (o *Orchestrator) fail(h *runHandle, stage string, err error) {
	code := deck.Code(err)
	failure := &Failure{Code: code, Message: deck.UserMessage(err)}
	update := runs.StatusUpdate{ErrorCode: code, ErrorDetail: deck.SanitizeDetail(err)}
	if !o.commit(h, runs.StatusFailed, update, func(s *State) {
		s.Phase = PhaseFailed
		s.Failure = failure
	}) {
		telemetry.Debug("run.stale", map[string]any{"run_id": h.id, "stage": stage, "error": err})
		return
	}

	metrics.IncRunsFailed(code)
	telemetry.Error("run.status", map[string]any{
		"run_id":            h.id,
		"status":            runs.StatusFailed,
		"status_transition": stage + "->failed",
		"code":              code,
		"error":             deck.SanitizeDetail(err),
	})

	if o.cfg.Notifier != nil && !o.isClosed() {
		ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
		defer cancel()
		o.cfg.Notifier.Notify(ctx, notify.Notification{
			RunID:   h.id,
			Level:   notify.LevelError,
			Code:    code,
			Message: failure.Message,
		})
	}
}

// commit applies mutate to the shared state and writes the run-log row, but
// only while h is still the active run.
func (o *Orchestrator) commit(h *runHandle, status string, update runs.StatusUpdate, mutate func(*State)) bool {
	o.logMu.Lock()
	defer o.logMu.Unlock()

	o.mu.Lock()
	if o.active != h || h.finished {
		o.mu.Unlock()
		return false
	}
	mutate(&o.state)
	o.state.UpdatedAt = time.Now().UTC()
	snap := o.state
	if snap.Phase.Terminal() {
		o.finishLocked(h, snap)
	}
	o.mu.Unlock()

	o.record(h.id, status, update)
	o.broadcast(snap)
	return true
}

func (o *Orchestrator) finishLocked(h *runHandle, final State) {
	h.finished = true
	h.final = final
	close(h.done)
	delete(o.handles, h.id)

	o.finals[h.id] = final
	o.finalOrder = append(o.finalOrder, h.id)
	if len(o.finalOrder) > finalsLimit {
		delete(o.finals, o.finalOrder[0])
		o.finalOrder = o.finalOrder[1:]
	}
}

func (o *Orchestrator) record(runID, status string, update runs.StatusUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), logWriteTimeout)
	defer cancel()
	if err := o.cfg.Runs.UpdateStatus(ctx, runID, status, update); err != nil {
		telemetry.Error("run.log_failed", map[string]any{"run_id": runID, "op": "update_status", "status": status, "error": err})
	}
}

func (o *Orchestrator) broadcast(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for ch := range o.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
