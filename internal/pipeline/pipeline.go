// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pipeline runs the three-stage paper knowledge extraction:
// classify, extract findings, integrate connections. One session owns a
// run per paper; results commit atomically or not at all, so readers of
// the graph store never observe partial pipeline state.
// Implements: prd007-findings (R1-R3), prd010-extraction-session (R1-R6).
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pdiddy/thesis-engine/pkg/types"
)

// State identifies where a session is in its lifecycle.
type State string

const (
	StateIdle          State = "idle"
	StateCheckingQuota State = "checking-quota"
	StateLoadingText   State = "loading-text"
	StateClassify      State = "stage-1-classify"
	StateExtract       State = "stage-2-extract"
	StateIntegrate     State = "stage-3-integrate"
	StateCommitting    State = "committing"
	StateDone          State = "done"
	StateCancelled     State = "cancelled"
	StateFailed        State = "failed"
)

// stageDescriptions are the human labels reported through progress.
var stageDescriptions = [4]string{"", "Classifying paper", "Extracting findings", "Mapping connections"}

// Progress percentages at stage boundaries. OverallProgress only ever
// moves forward through these.
const (
	pctQuotaChecked = 2
	pctTextLoaded   = 8
	pctStage1Done   = 33
	pctStage2Done   = 66
	pctStage3Done   = 95
	pctCommitting   = 97
	pctDone         = 100
)

// stageStartPct maps a stage number to the progress reported when it begins.
var stageStartPct = [4]int{0, 10, 36, 70}

// CreditGate is the quota contract the pipeline consumes.
type CreditGate interface {
	// CanPerform is a pure local check; no I/O.
	CanPerform(cost int) bool

	// Debit charges cost; the local decrement is final once applied.
	Debit(action string, cost int) error

	// StageCost is the credit cost of one AI-calling stage.
	StageCost() int
}

// TextSource resolves a paper to extractable plain text.
type TextSource interface {
	GetText(ctx context.Context, paperID string) (string, error)
}

// GraphStore is the committing side of the findings graph store.
type GraphStore interface {
	Commit(ctx context.Context, g *types.PaperKnowledgeGraph) error
}

// backoffBase controls the base duration for exponential backoff between
// stage retries. Tests override this to avoid real sleeps.
var backoffBase = time.Second

// session is one in-flight pipeline run. Intermediate stage outputs stay
// inside the run function and are never exposed before commit.
type session struct {
	paperID string
	cancel  context.CancelFunc

	mu        sync.Mutex
	state     State
	progress  types.ExtractionProgress
	cancelled bool
}

func (s *session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) requestCancel() {
	s.mu.Lock()
	already := s.cancelled
	s.cancelled = true
	s.mu.Unlock()
	if !already {
		s.cancel()
	}
}

func (s *session) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Manager sequences extraction sessions, enforcing at most one active
// session per paper. Sessions for different papers are fully independent.
type Manager struct {
	backend StageBackend
	gate    CreditGate
	texts   TextSource
	store   GraphStore

	// limiter spaces AI calls across all sessions.
	limiter      *rate.Limiter
	stageTimeout time.Duration
	maxRetries   int

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager wires the pipeline's collaborators together.
func NewManager(cfg types.ExtractionConfig, backend StageBackend, gate CreditGate, texts TextSource, store GraphStore) *Manager {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 20
	}
	timeout := cfg.StageTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}

	return &Manager{
		backend:      backend,
		gate:         gate,
		texts:        texts,
		store:        store,
		limiter:      rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
		stageTimeout: timeout,
		maxRetries:   retries,
		sessions:     make(map[string]*session),
	}
}

// Progress returns a snapshot of the named paper's running session, or
// nil when no session is active.
func (m *Manager) Progress(paperID string) *types.ExtractionProgress {
	m.mu.Lock()
	s, ok := m.sessions[paperID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.progress
	return &p
}

// Cancel requests cooperative cancellation of the named paper's session.
// The session observes the request at the next stage boundary; an in-flight
// AI call is aborted through its context. No-op when no session is active;
// idempotent when called repeatedly.
func (m *Manager) Cancel(paperID string) {
	m.mu.Lock()
	s, ok := m.sessions[paperID]
	m.mu.Unlock()
	if ok {
		s.requestCancel()
	}
}

// Extract runs the full pipeline for paper and returns the committed
// graph. thesis may be nil; relevance scoring is then skipped. onProgress,
// if non-nil, receives strictly ordered, monotonically non-decreasing
// progress updates until a terminal state.
//
// Terminal outcomes: the graph on success; ErrSessionActive,
// ErrQuotaExhausted, ErrNoSourceText, ErrCancelled, or a *StageError
// otherwise. On every non-success outcome the store keeps whatever graph
// existed before the session started.
func (m *Manager) Extract(ctx context.Context, paper types.Paper, thesis *types.ThesisContext, onProgress func(types.ExtractionProgress)) (*types.PaperKnowledgeGraph, error) {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s := &session{paperID: paper.ID, cancel: cancel, state: StateIdle}

	m.mu.Lock()
	if _, active := m.sessions[paper.ID]; active {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionActive, paper.ID)
	}
	m.sessions[paper.ID] = s
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.sessions, paper.ID)
		m.mu.Unlock()
	}()

	graph, err := m.run(sctx, s, paper, thesis, onProgress)
	switch {
	case err == nil:
		s.setState(StateDone)
	case errors.Is(err, ErrCancelled):
		s.setState(StateCancelled)
	default:
		s.setState(StateFailed)
	}
	return graph, err
}

// run drives the state machine. Intermediate outputs live only in its
// locals until the final commit.
func (m *Manager) run(ctx context.Context, s *session, paper types.Paper, thesis *types.ThesisContext, onProgress func(types.ExtractionProgress)) (*types.PaperKnowledgeGraph, error) {
	report := func(stage, pct int) {
		s.mu.Lock()
		if pct < s.progress.OverallProgress {
			pct = s.progress.OverallProgress
		}
		p := types.ExtractionProgress{
			CurrentStage:     stage,
			StageDescription: stageDescriptions[stage],
			OverallProgress:  pct,
		}
		s.progress = p
		s.mu.Unlock()
		if onProgress != nil {
			onProgress(p)
		}
	}

	// Quota precondition: a pure local check before any network call or
	// debit. The run costs one debit per AI stage.
	s.setState(StateCheckingQuota)
	if !m.gate.CanPerform(3 * m.gate.StageCost()) {
		return nil, ErrQuotaExhausted
	}
	report(1, pctQuotaChecked)

	// Text precondition: resolved before any AI call so no credits are
	// spent on a paper that cannot be extracted.
	s.setState(StateLoadingText)
	text, err := m.texts.GetText(ctx, paper.ID)
	if err != nil {
		if s.isCancelled() {
			return nil, ErrCancelled
		}
		// A missing document, a failed PDF extraction, and a transport
		// error all mean the same thing here: no text, no extraction.
		return nil, fmt.Errorf("%w: %v", ErrNoSourceText, err)
	}
	if s.isCancelled() {
		return nil, ErrCancelled
	}
	report(1, pctTextLoaded)

	// Stage 1: classify. The result feeds stage 2 — paper type changes
	// what counts as a finding.
	s.setState(StateClassify)
	var class ClassifyResult
	err = m.runStage(ctx, s, 1, report, func(ctx context.Context) error {
		var serr error
		class, serr = m.backend.Classify(ctx, paper, text)
		return serr
	})
	if err != nil {
		return nil, err
	}
	report(1, pctStage1Done)

	// Stage 2: extract findings.
	s.setState(StateExtract)
	var findings []types.ExtractedFinding
	err = m.runStage(ctx, s, 2, report, func(ctx context.Context) error {
		raw, serr := m.backend.ExtractFindings(ctx, paper, text, class, thesis)
		if serr != nil {
			return serr
		}
		converted, verrs := convertFindings(raw.Findings, thesis != nil)
		if len(verrs) > 0 {
			return fmt.Errorf("invalid findings: %v", verrs)
		}
		if len(converted) == 0 {
			return fmt.Errorf("no findings extracted")
		}
		findings = converted
		return nil
	})
	if err != nil {
		return nil, err
	}
	report(2, pctStage2Done)

	// Stage 3: integrate connections and the paper-level relevance
	// summary over the full finding set.
	s.setState(StateIntegrate)
	var integ IntegrateResult
	err = m.runStage(ctx, s, 3, report, func(ctx context.Context) error {
		var serr error
		integ, serr = m.backend.Integrate(ctx, paper, findings, thesis)
		return serr
	})
	if err != nil {
		return nil, err
	}
	report(3, pctStage3Done)

	// Commit: assemble and atomically replace any prior graph. A fresh
	// extraction always starts unreviewed; verification flags are not
	// carried across re-extractions.
	s.setState(StateCommitting)
	report(3, pctCommitting)

	graph := &types.PaperKnowledgeGraph{
		PaperID: paper.ID,
		Classification: types.Classification{
			PaperType: class.PaperType,
			Summary:   class.Summary,
		},
		ExperimentalSystem: class.ExperimentalSystem,
		KeyContributions:   class.KeyContributions,
		Findings:           findings,
		Connections:        convertConnections(integ.Connections, findings),
	}
	if thesis != nil && integ.OverallScore >= 1 && integ.OverallScore <= 5 {
		graph.ThesisRelevance = &types.GraphRelevance{
			OverallScore:         integ.OverallScore,
			ThesisFramedTakeaway: integ.ThesisFramedTakeaway,
		}
	}

	if err := m.store.Commit(ctx, graph); err != nil {
		return nil, &StageError{Stage: 3, Description: "committing graph", Err: err}
	}

	report(3, pctDone)
	return graph, nil
}

// runStage executes one AI-calling stage: cancellation checkpoint, rate
// limit, per-attempt timeout, retry with exponential backoff, and the
// stage-scoped debit once the stage completes. The debit is final; a later
// cancel or failure does not refund it.
func (m *Manager) runStage(ctx context.Context, s *session, stage int, report func(stage, pct int), fn func(ctx context.Context) error) error {
	if s.isCancelled() {
		return ErrCancelled
	}
	report(stage, stageStartPct[stage])

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * backoffBase
			select {
			case <-ctx.Done():
				return m.terminalFor(s, stage, ctx.Err())
			case <-time.After(backoff):
			}
		}

		if err := m.limiter.Wait(ctx); err != nil {
			return m.terminalFor(s, stage, err)
		}

		actx, cancel := context.WithTimeout(ctx, m.stageTimeout)
		err := fn(actx)
		cancel()
		if err == nil {
			lastErr = nil
			break
		}
		if s.isCancelled() || ctx.Err() != nil {
			return m.terminalFor(s, stage, err)
		}
		lastErr = err
	}
	if lastErr != nil {
		return &StageError{Stage: stage, Description: stageDescriptions[stage], Err: fmt.Errorf("after %d retries: %w", m.maxRetries, lastErr)}
	}

	if s.isCancelled() {
		// The stage finished before the cancel was observed; its work is
		// discarded but its debit stands.
		m.debitStage(stage)
		return ErrCancelled
	}

	m.debitStage(stage)
	return nil
}

// terminalFor maps an aborted stage call to the right terminal outcome:
// a user cancel wins over the raw context error.
func (m *Manager) terminalFor(s *session, stage int, err error) error {
	if s.isCancelled() {
		return ErrCancelled
	}
	return &StageError{Stage: stage, Description: stageDescriptions[stage], Err: err}
}

// debitStage charges the stage-scoped cost. Inability to debit after the
// initial CanPerform is tolerated: the stage's work is already done and
// the gate records the failed attempt for reconciliation.
func (m *Manager) debitStage(stage int) {
	m.gate.Debit(fmt.Sprintf("extract-stage-%d", stage), m.gate.StageCost())
}
