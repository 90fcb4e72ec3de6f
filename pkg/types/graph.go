// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import (
	"fmt"
	"time"
)

// FindingType categorizes a single finding extracted from a paper.
// Per prd007-findings R1.1.
type FindingType string

const (
	FindingCentral        FindingType = "central-finding"
	FindingSupporting     FindingType = "supporting-finding"
	FindingMethodological FindingType = "methodological"
	FindingLimitation     FindingType = "limitation"
	FindingImplication    FindingType = "implication"
	FindingOpenQuestion   FindingType = "open-question"
	FindingBackground     FindingType = "background"
)

// ValidFindingTypes is the set of accepted FindingType values.
var ValidFindingTypes = map[FindingType]bool{
	FindingCentral:        true,
	FindingSupporting:     true,
	FindingMethodological: true,
	FindingLimitation:     true,
	FindingImplication:    true,
	FindingOpenQuestion:   true,
	FindingBackground:     true,
}

// ConnectionType categorizes a directed relationship between two findings
// in the same paper. Per prd007-findings R3.1.
type ConnectionType string

const (
	ConnSupports    ConnectionType = "supports"
	ConnContradicts ConnectionType = "contradicts"
	ConnExtends     ConnectionType = "extends"
	ConnRequires    ConnectionType = "requires"
	ConnExplains    ConnectionType = "explains"
	ConnQualifies   ConnectionType = "qualifies"
)

// ValidConnectionTypes is the set of accepted ConnectionType values.
var ValidConnectionTypes = map[ConnectionType]bool{
	ConnSupports:    true,
	ConnContradicts: true,
	ConnExtends:     true,
	ConnRequires:    true,
	ConnExplains:    true,
	ConnQualifies:   true,
}

// ReviewStatus is the aggregate verification state of a graph's findings.
// It is always derived from the findings' UserVerified flags, never stored
// independently of them.
type ReviewStatus string

const (
	ReviewUnreviewed ReviewStatus = "unreviewed"
	ReviewPartial    ReviewStatus = "partial"
	ReviewReviewed   ReviewStatus = "reviewed"
)

// ComputeReviewStatus derives the ReviewStatus for a set of findings:
// reviewed when every finding is verified, unreviewed when none are
// (including the zero-findings case), partial otherwise.
func ComputeReviewStatus(findings []ExtractedFinding) ReviewStatus {
	verified := 0
	for _, f := range findings {
		if f.UserVerified {
			verified++
		}
	}
	switch {
	case verified == 0:
		return ReviewUnreviewed
	case verified == len(findings):
		return ReviewReviewed
	default:
		return ReviewPartial
	}
}

// ClampConfidence forces a confidence value into [0, 1]. Model output is
// clamped at the ingress boundary so committed graphs always satisfy the
// bound.
func ClampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// DirectQuote is a verbatim evidence span backing a finding.
type DirectQuote struct {
	// ID is unique within the owning finding.
	ID string `json:"id" yaml:"id"`

	// Text is the exact quoted text from the paper.
	Text string `json:"text" yaml:"text"`

	// PageLabel is the page label where the quote appears, if known
	// (e.g. "5", "A-2").
	PageLabel string `json:"page_label,omitempty" yaml:"page_label,omitempty"`
}

// FindingRelevance scores how a single finding bears on the user's thesis.
// Present only when a thesis context was supplied at extraction time.
type FindingRelevance struct {
	// Score is 1 (tangential) through 5 (directly load-bearing).
	Score int `json:"score" yaml:"score"`

	// Reasoning explains the score in terms of the thesis.
	Reasoning string `json:"reasoning" yaml:"reasoning"`
}

// ExtractedFinding is a single claim, observation, limitation, or question
// extracted from a paper, with evidence and a confidence score.
// Per prd007-findings R1, R2.
type ExtractedFinding struct {
	// ID is unique within the owning graph.
	ID string `json:"id" yaml:"id"`

	// Type categorizes the finding.
	Type FindingType `json:"type" yaml:"type"`

	// Title is a short label for the finding.
	Title string `json:"title" yaml:"title"`

	// Description is the finding in prose.
	Description string `json:"description" yaml:"description"`

	// DirectQuotes lists verbatim evidence spans.
	DirectQuotes []DirectQuote `json:"direct_quotes,omitempty" yaml:"direct_quotes,omitempty"`

	// Confidence is the extraction certainty, always within [0, 1].
	Confidence float64 `json:"confidence" yaml:"confidence"`

	// UserVerified records explicit user confirmation of the finding.
	// Mutated only through the store's verify operation.
	UserVerified bool `json:"user_verified" yaml:"user_verified"`

	// PageNumbers lists pages where the finding is grounded. May be empty.
	PageNumbers []int `json:"page_numbers,omitempty" yaml:"page_numbers,omitempty"`

	// ThesisRelevance is set only when a thesis context was supplied.
	ThesisRelevance *FindingRelevance `json:"thesis_relevance,omitempty" yaml:"thesis_relevance,omitempty"`
}

// Connection is a directed, typed relationship between two findings within
// the same graph. Per prd007-findings R3.
type Connection struct {
	// ID is unique within the owning graph.
	ID string `json:"id" yaml:"id"`

	// FromFindingID and ToFindingID reference finding IDs in the same graph.
	FromFindingID string `json:"from_finding_id" yaml:"from_finding_id"`
	ToFindingID   string `json:"to_finding_id" yaml:"to_finding_id"`

	// Type categorizes the relationship.
	Type ConnectionType `json:"type" yaml:"type"`

	// Explanation states why the relationship holds.
	Explanation string `json:"explanation" yaml:"explanation"`
}

// Classification is the paper-level type tag and summary produced by the
// first pipeline stage.
type Classification struct {
	// PaperType is a short tag (e.g. "empirical-study", "review", "methods").
	PaperType string `json:"paper_type" yaml:"paper_type"`

	// Summary is a free-text summary of the paper.
	Summary string `json:"summary" yaml:"summary"`
}

// GraphRelevance is the paper-level thesis relevance summary produced by the
// integration stage. Present only when a thesis context was supplied.
type GraphRelevance struct {
	// OverallScore is 1 (tangential) through 5 (directly load-bearing).
	OverallScore int `json:"overall_score" yaml:"overall_score"`

	// ThesisFramedTakeaway restates the paper's contribution in terms of
	// the thesis.
	ThesisFramedTakeaway string `json:"thesis_framed_takeaway" yaml:"thesis_framed_takeaway"`
}

// PaperKnowledgeGraph is the committed extraction output for one paper:
// classification, ordered findings, and typed inter-finding connections.
// Created atomically on first successful extraction; re-extraction replaces
// it wholesale. Per prd007-findings R4.
type PaperKnowledgeGraph struct {
	// PaperID identifies the source paper.
	PaperID string `json:"paper_id" yaml:"paper_id"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`

	// Classification is the paper type and summary from stage 1.
	Classification Classification `json:"classification" yaml:"classification"`

	// ExperimentalSystem describes the system or setup under study, if any.
	ExperimentalSystem string `json:"experimental_system,omitempty" yaml:"experimental_system,omitempty"`

	// KeyContributions lists the paper's main contributions in order.
	KeyContributions []string `json:"key_contributions,omitempty" yaml:"key_contributions,omitempty"`

	// ThesisRelevance is set only when a thesis context was supplied.
	ThesisRelevance *GraphRelevance `json:"thesis_relevance,omitempty" yaml:"thesis_relevance,omitempty"`

	// Findings is ordered by extraction order; the order is stable across
	// reads.
	Findings []ExtractedFinding `json:"findings" yaml:"findings"`

	// Connections lists intra-paper relationships between findings.
	Connections []Connection `json:"connections,omitempty" yaml:"connections,omitempty"`

	// ReviewStatus is derived from the findings' UserVerified flags.
	ReviewStatus ReviewStatus `json:"review_status" yaml:"review_status"`
}

// Validate checks the graph's structural invariants: known finding and
// connection types, in-range confidence, unique finding IDs, and referential
// integrity of connection endpoints. A graph failing Validate must never be
// committed.
func (g *PaperKnowledgeGraph) Validate() error {
	if g.PaperID == "" {
		return fmt.Errorf("graph has no paper ID")
	}

	ids := make(map[string]bool, len(g.Findings))
	for i, f := range g.Findings {
		if f.ID == "" {
			return fmt.Errorf("finding %d: empty ID", i)
		}
		if ids[f.ID] {
			return fmt.Errorf("finding %d: duplicate ID %q", i, f.ID)
		}
		ids[f.ID] = true
		if !ValidFindingTypes[f.Type] {
			return fmt.Errorf("finding %q: invalid type %q", f.ID, f.Type)
		}
		if f.Confidence < 0.0 || f.Confidence > 1.0 {
			return fmt.Errorf("finding %q: confidence %f out of range [0,1]", f.ID, f.Confidence)
		}
	}

	for i, c := range g.Connections {
		if c.ID == "" {
			return fmt.Errorf("connection %d: empty ID", i)
		}
		if !ValidConnectionTypes[c.Type] {
			return fmt.Errorf("connection %q: invalid type %q", c.ID, c.Type)
		}
		if !ids[c.FromFindingID] {
			return fmt.Errorf("connection %q: from_finding_id %q does not reference a finding in this graph", c.ID, c.FromFindingID)
		}
		if !ids[c.ToFindingID] {
			return fmt.Errorf("connection %q: to_finding_id %q does not reference a finding in this graph", c.ID, c.ToFindingID)
		}
	}

	return nil
}
