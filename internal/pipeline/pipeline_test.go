package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/pdiddy/thesis-engine/pkg/types"
)

func TestMain(m *testing.M) {
	// Override backoff to avoid real sleeps in retry tests.
	backoffBase = time.Millisecond
	os.Exit(m.Run())
}

// --- fakes ---

type fakeGate struct {
	mu      sync.Mutex
	allow   bool
	debits  []string
	balance int
}

func (g *fakeGate) CanPerform(cost int) bool { return g.allow }
func (g *fakeGate) StageCost() int           { return 1 }
func (g *fakeGate) Debit(action string, cost int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.debits = append(g.debits, action)
	g.balance -= cost
	return nil
}
func (g *fakeGate) debitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.debits)
}

type fakeTexts struct {
	texts map[string]string
	calls int
}

func (t *fakeTexts) GetText(_ context.Context, paperID string) (string, error) {
	t.calls++
	text, ok := t.texts[paperID]
	if !ok {
		return "", fmt.Errorf("no source document for paper: %s", paperID)
	}
	return text, nil
}

type fakeStore struct {
	mu      sync.Mutex
	graphs  map[string]*types.PaperKnowledgeGraph
	commits int
}

func newFakeStore() *fakeStore {
	return &fakeStore{graphs: make(map[string]*types.PaperKnowledgeGraph)}
}

func (s *fakeStore) Commit(_ context.Context, g *types.PaperKnowledgeGraph) error {
	if err := g.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
	cp := *g
	cp.ReviewStatus = types.ComputeReviewStatus(cp.Findings)
	s.graphs[g.PaperID] = &cp
	return nil
}

func (s *fakeStore) get(paperID string) *types.PaperKnowledgeGraph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graphs[paperID]
}

// mockBackend scripts the three stages and counts calls. Optional hooks
// let tests fail a stage, or block inside one until released.
type mockBackend struct {
	mu            sync.Mutex
	classifyCalls int
	extractCalls  int
	integCalls    int

	classifyErr error
	extractErr  error
	integErr    error

	// extractFailures fails the first N extract calls, then succeeds.
	extractFailures int

	// blockExtract, when non-nil, blocks stage 2 until closed; entered is
	// signalled once stage 2 is in flight.
	blockExtract chan struct{}
	entered      chan struct{}

	findings []RawFinding
	integ    IntegrateResult
}

func defaultFindings() []RawFinding {
	return []RawFinding{
		{
			Type:               "central-finding",
			Title:              "X increases Y",
			Description:        "Y rose by 20% under X.",
			Quotes:             []RawQuote{{Text: "Y rose by 20% (p < 0.01).", PageLabel: "5"}},
			Confidence:         0.92,
			PageNumbers:        []int{5},
			RelevanceScore:     5,
			RelevanceReasoning: "This is the predicted dosage effect.",
		},
		{
			Type:        "limitation",
			Title:       "Small sample",
			Description: "Only 12 subjects were tested.",
			Confidence:  0.8,
		},
	}
}

func (b *mockBackend) Classify(_ context.Context, _ types.Paper, _ string) (ClassifyResult, error) {
	b.mu.Lock()
	b.classifyCalls++
	b.mu.Unlock()
	if b.classifyErr != nil {
		return ClassifyResult{}, b.classifyErr
	}
	return ClassifyResult{
		PaperType:        "empirical-study",
		Summary:          "Measures the effect of X on Y.",
		KeyContributions: []string{"first in-vivo measurement"},
	}, nil
}

func (b *mockBackend) ExtractFindings(ctx context.Context, _ types.Paper, _ string, _ ClassifyResult, _ *types.ThesisContext) (ExtractResult, error) {
	b.mu.Lock()
	b.extractCalls++
	n := b.extractCalls
	b.mu.Unlock()

	if b.blockExtract != nil {
		if b.entered != nil {
			b.entered <- struct{}{}
		}
		select {
		case <-b.blockExtract:
		case <-ctx.Done():
			return ExtractResult{}, ctx.Err()
		}
	}
	if b.extractErr != nil {
		return ExtractResult{}, b.extractErr
	}
	if n <= b.extractFailures {
		return ExtractResult{}, fmt.Errorf("transient error (call %d)", n)
	}

	findings := b.findings
	if findings == nil {
		findings = defaultFindings()
	}
	return ExtractResult{Findings: findings}, nil
}

func (b *mockBackend) Integrate(_ context.Context, _ types.Paper, findings []types.ExtractedFinding, thesis *types.ThesisContext) (IntegrateResult, error) {
	b.mu.Lock()
	b.integCalls++
	b.mu.Unlock()
	if b.integErr != nil {
		return IntegrateResult{}, b.integErr
	}
	if b.integ.Connections != nil || b.integ.OverallScore != 0 {
		return b.integ, nil
	}
	out := IntegrateResult{
		Connections: []RawConnection{
			{From: 1, To: 0, Type: "qualifies", Explanation: "Sample size weakens the claim."},
		},
	}
	if thesis != nil {
		out.OverallScore = 4
		out.ThesisFramedTakeaway = "Supports the dosage claim."
	}
	return out, nil
}

func (b *mockBackend) totalCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.classifyCalls + b.extractCalls + b.integCalls
}

// --- fixture ---

type fixture struct {
	mgr     *Manager
	backend *mockBackend
	gate    *fakeGate
	texts   *fakeTexts
	store   *fakeStore
}

func newFixture() *fixture {
	backend := &mockBackend{}
	gate := &fakeGate{allow: true, balance: 100}
	texts := &fakeTexts{texts: map[string]string{
		"p1": "## Introduction\n\nPaper body.",
		"p2": "## Methods\n\nOther body.",
	}}
	store := newFakeStore()

	cfg := types.ExtractionConfig{
		AIConfig:          types.AIConfig{Model: "test-model", MaxRetries: 2},
		StageTimeout:      5 * time.Second,
		RequestsPerMinute: 100000,
	}
	return &fixture{
		mgr:     NewManager(cfg, backend, gate, texts, store),
		backend: backend,
		gate:    gate,
		texts:   texts,
		store:   store,
	}
}

func paper(id string) types.Paper {
	return types.Paper{ID: id, Title: "Paper " + id, Authors: []string{"A. Author"}, Year: 2024}
}

func thesis() *types.ThesisContext {
	return &types.ThesisContext{Title: "Dosage thesis", Description: "X modulates Y dose-dependently."}
}

// --- scenarios ---

func TestExtractHappyPath(t *testing.T) {
	f := newFixture()

	var progress []types.ExtractionProgress
	graph, err := f.mgr.Extract(context.Background(), paper("p1"), thesis(), func(p types.ExtractionProgress) {
		progress = append(progress, p)
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if len(graph.Findings) < 1 {
		t.Fatal("no findings in committed graph")
	}
	stored := f.store.get("p1")
	if stored == nil {
		t.Fatal("graph not committed")
	}
	if stored.ReviewStatus != types.ReviewUnreviewed {
		t.Errorf("ReviewStatus = %q, want unreviewed", stored.ReviewStatus)
	}
	if len(stored.Connections) != 1 {
		t.Errorf("connections = %d, want 1", len(stored.Connections))
	}
	if stored.Connections[0].FromFindingID != stored.Findings[1].ID {
		t.Errorf("connection endpoints not resolved to finding IDs")
	}
	if stored.ThesisRelevance == nil || stored.ThesisRelevance.OverallScore != 4 {
		t.Errorf("thesis relevance = %+v", stored.ThesisRelevance)
	}
	if stored.Findings[0].ThesisRelevance == nil {
		t.Error("per-finding relevance missing despite thesis")
	}

	// One debit per completed AI stage.
	if got := f.gate.debitCount(); got != 3 {
		t.Errorf("debits = %d, want 3", got)
	}

	// Progress is monotone, strictly ordered, and ends at 100.
	if len(progress) == 0 {
		t.Fatal("no progress reported")
	}
	last := -1
	for i, p := range progress {
		if p.OverallProgress < last {
			t.Errorf("progress regressed at %d: %d -> %d", i, last, p.OverallProgress)
		}
		last = p.OverallProgress
	}
	if last != 100 {
		t.Errorf("final progress = %d, want 100", last)
	}
	stages := 0
	for i := 1; i < len(progress); i++ {
		if progress[i].CurrentStage < progress[i-1].CurrentStage {
			t.Errorf("stage regressed at %d", i)
		}
		if progress[i].CurrentStage != progress[i-1].CurrentStage {
			stages++
		}
	}
	if stages != 2 {
		t.Errorf("saw %d stage transitions, want 2", stages)
	}
}

func TestExtractWithoutThesisSkipsRelevance(t *testing.T) {
	f := newFixture()

	graph, err := f.mgr.Extract(context.Background(), paper("p1"), nil, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if graph.ThesisRelevance != nil {
		t.Errorf("graph relevance = %+v without thesis", graph.ThesisRelevance)
	}
	for _, fd := range graph.Findings {
		if fd.ThesisRelevance != nil {
			t.Errorf("finding %s has relevance without thesis", fd.ID)
		}
	}
}

func TestExtractQuotaExhausted(t *testing.T) {
	f := newFixture()
	f.gate.allow = false

	_, err := f.mgr.Extract(context.Background(), paper("p1"), nil, nil)
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("err = %v, want ErrQuotaExhausted", err)
	}

	// No AI calls, no debits, no text fetch: the precondition is checked
	// before any cost is incurred.
	if f.backend.totalCalls() != 0 {
		t.Errorf("AI calls = %d, want 0", f.backend.totalCalls())
	}
	if f.gate.debitCount() != 0 {
		t.Errorf("debits = %d, want 0", f.gate.debitCount())
	}
	if f.texts.calls != 0 {
		t.Errorf("text fetches = %d, want 0", f.texts.calls)
	}
}

func TestExtractNoSourceText(t *testing.T) {
	f := newFixture()

	_, err := f.mgr.Extract(context.Background(), paper("missing"), nil, nil)
	if !errors.Is(err, ErrNoSourceText) {
		t.Fatalf("err = %v, want ErrNoSourceText", err)
	}
	if f.backend.totalCalls() != 0 {
		t.Errorf("AI calls = %d, want 0", f.backend.totalCalls())
	}
	if f.gate.debitCount() != 0 {
		t.Errorf("debits = %d, want 0", f.gate.debitCount())
	}
}

func TestExtractStageFailureLeavesPriorGraph(t *testing.T) {
	f := newFixture()

	// Seed a committed graph, then fail the replacement mid-pipeline.
	prior, err := f.mgr.Extract(context.Background(), paper("p1"), nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	f.backend.extractErr = fmt.Errorf("model overloaded")
	_, err = f.mgr.Extract(context.Background(), paper("p1"), nil, nil)

	var stageErr *StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("err = %v, want *StageError", err)
	}
	if stageErr.Stage != 2 {
		t.Errorf("failed stage = %d, want 2", stageErr.Stage)
	}

	got := f.store.get("p1")
	if got == nil || got.Findings[0].ID != prior.Findings[0].ID {
		t.Error("prior graph not left untouched after stage failure")
	}

	// Stage 1 completed before the failure; its debit is retained.
	if debits := f.gate.debits[3:]; len(debits) != 1 || debits[0] != "extract-stage-1" {
		t.Errorf("debits for failed run = %v, want [extract-stage-1]", debits)
	}
}

func TestExtractRetriesTransientStageErrors(t *testing.T) {
	f := newFixture()
	f.backend.extractFailures = 2 // MaxRetries is 2: fail, fail, succeed

	_, err := f.mgr.Extract(context.Background(), paper("p1"), nil, nil)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if f.backend.extractCalls != 3 {
		t.Errorf("extract calls = %d, want 3", f.backend.extractCalls)
	}
	// Retries within one stage debit once.
	if got := f.gate.debitCount(); got != 3 {
		t.Errorf("debits = %d, want 3", got)
	}
}

func TestCancelMidStageTwo(t *testing.T) {
	f := newFixture()
	f.backend.blockExtract = make(chan struct{})
	f.backend.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.Extract(context.Background(), paper("p1"), nil, nil)
		done <- err
	}()

	<-f.backend.entered
	f.mgr.Cancel("p1")
	// Cancelling again is a no-op.
	f.mgr.Cancel("p1")

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not observe cancel")
	}

	if f.store.get("p1") != nil {
		t.Error("partial graph committed after cancel")
	}
	// Stage 1 completed; its debit is retained and not refunded. Stage 2
	// never completed, so exactly one debit.
	if got := f.gate.debitCount(); got != 1 {
		t.Errorf("debits = %d, want 1", got)
	}
	if f.gate.debits[0] != "extract-stage-1" {
		t.Errorf("debit = %q", f.gate.debits[0])
	}
}

func TestCancelUnknownPaperIsNoop(t *testing.T) {
	f := newFixture()
	f.mgr.Cancel("nobody")
}

func TestAtMostOneSessionPerPaper(t *testing.T) {
	f := newFixture()
	f.backend.blockExtract = make(chan struct{})
	f.backend.entered = make(chan struct{}, 2)

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.Extract(context.Background(), paper("p1"), nil, nil)
		done <- err
	}()
	<-f.backend.entered

	// A second request for the same paper is rejected while the first is
	// active.
	_, err := f.mgr.Extract(context.Background(), paper("p1"), nil, nil)
	if !errors.Is(err, ErrSessionActive) {
		t.Fatalf("second extract err = %v, want ErrSessionActive", err)
	}

	// Progress is visible while the session runs.
	if p := f.mgr.Progress("p1"); p == nil || p.CurrentStage != 2 {
		t.Errorf("Progress = %+v, want stage 2", p)
	}

	close(f.backend.blockExtract)
	if err := <-done; err != nil {
		t.Fatalf("first extract: %v", err)
	}

	// The slot is released; a fresh session may start.
	f.backend.blockExtract = nil
	if _, err := f.mgr.Extract(context.Background(), paper("p1"), nil, nil); err != nil {
		t.Fatalf("extract after release: %v", err)
	}
	if f.mgr.Progress("p1") != nil {
		t.Error("Progress non-nil after terminal state")
	}
}

func TestSessionsForDifferentPapersAreIndependent(t *testing.T) {
	f := newFixture()
	f.backend.blockExtract = make(chan struct{})
	f.backend.entered = make(chan struct{}, 2)

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.Extract(context.Background(), paper("p1"), nil, nil)
		done <- err
	}()
	<-f.backend.entered

	done2 := make(chan error, 1)
	go func() {
		_, err := f.mgr.Extract(context.Background(), paper("p2"), nil, nil)
		done2 <- err
	}()
	<-f.backend.entered

	close(f.backend.blockExtract)
	if err := <-done; err != nil {
		t.Errorf("p1: %v", err)
	}
	if err := <-done2; err != nil {
		t.Errorf("p2: %v", err)
	}
	if f.store.get("p1") == nil || f.store.get("p2") == nil {
		t.Error("both graphs should be committed")
	}
}

func TestReextractionResetsVerification(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	if _, err := f.mgr.Extract(ctx, paper("p1"), nil, nil); err != nil {
		t.Fatal(err)
	}

	// Simulate the user verifying everything, then re-extracting.
	stored := f.store.get("p1")
	for i := range stored.Findings {
		stored.Findings[i].UserVerified = true
	}
	stored.ReviewStatus = types.ReviewReviewed

	if _, err := f.mgr.Extract(ctx, paper("p1"), nil, nil); err != nil {
		t.Fatal(err)
	}

	replaced := f.store.get("p1")
	if replaced.ReviewStatus != types.ReviewUnreviewed {
		t.Errorf("ReviewStatus after re-extraction = %q, want unreviewed", replaced.ReviewStatus)
	}
	for _, fd := range replaced.Findings {
		if fd.UserVerified {
			t.Errorf("finding %s carried verification across re-extraction", fd.ID)
		}
	}
}

// --- normalization ---

func TestConvertFindings(t *testing.T) {
	raw := []RawFinding{
		{Type: "central-finding", Description: "ok", Confidence: 1.4, RelevanceScore: 3, RelevanceReasoning: "r"},
		{Type: "limitation", Description: "also ok", Confidence: -0.2},
	}

	findings, errs := convertFindings(raw, true)
	if len(errs) != 0 {
		t.Fatalf("errs = %v", errs)
	}
	if findings[0].Confidence != 1.0 || findings[1].Confidence != 0.0 {
		t.Errorf("confidence not clamped: %f, %f", findings[0].Confidence, findings[1].Confidence)
	}
	if findings[0].ThesisRelevance == nil || findings[0].ThesisRelevance.Score != 3 {
		t.Errorf("relevance = %+v", findings[0].ThesisRelevance)
	}
	if findings[0].ID == "" || findings[0].ID == findings[1].ID {
		t.Error("IDs not assigned uniquely")
	}

	// Without a thesis, relevance fields are ignored.
	findings, _ = convertFindings(raw, false)
	if findings[0].ThesisRelevance != nil {
		t.Error("relevance attached without thesis")
	}
}

func TestConvertFindingsValidation(t *testing.T) {
	raw := []RawFinding{
		{Type: "speculation", Description: "bad type"},
		{Type: "central-finding", Description: ""},
		{Type: "central-finding", Description: "fine", Confidence: 0.5},
	}
	findings, errs := convertFindings(raw, false)
	if len(errs) != 2 {
		t.Errorf("errs = %v, want 2", errs)
	}
	if len(findings) != 1 {
		t.Errorf("findings = %d, want 1", len(findings))
	}
}

func TestConvertConnectionsDropsInvalid(t *testing.T) {
	findings, _ := convertFindings([]RawFinding{
		{Type: "central-finding", Description: "a", Confidence: 0.9},
		{Type: "supporting-finding", Description: "b", Confidence: 0.9},
	}, false)

	raw := []RawConnection{
		{From: 1, To: 0, Type: "supports", Explanation: "keep"},
		{From: 0, To: 5, Type: "supports", Explanation: "dangling"},
		{From: -1, To: 0, Type: "supports", Explanation: "dangling"},
		{From: 0, To: 0, Type: "supports", Explanation: "self-loop"},
		{From: 0, To: 1, Type: "vibes", Explanation: "unknown type"},
	}

	conns := convertConnections(raw, findings)
	if len(conns) != 1 {
		t.Fatalf("connections = %d, want 1", len(conns))
	}
	if conns[0].FromFindingID != findings[1].ID || conns[0].ToFindingID != findings[0].ID {
		t.Errorf("endpoints wrong: %+v", conns[0])
	}
}
