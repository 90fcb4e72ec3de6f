// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/pdiddy/thesis-engine/pkg/types"
)

// StageBackend abstracts the Generative AI API behind the three pipeline
// stages so tests can supply mocks. Each method corresponds to one stage
// and receives only what that stage depends on: classification informs
// extraction (paper type changes what counts as a finding), and
// integration reasons over the full finding set.
type StageBackend interface {
	Classify(ctx context.Context, paper types.Paper, text string) (ClassifyResult, error)
	ExtractFindings(ctx context.Context, paper types.Paper, text string, class ClassifyResult, thesis *types.ThesisContext) (ExtractResult, error)
	Integrate(ctx context.Context, paper types.Paper, findings []types.ExtractedFinding, thesis *types.ThesisContext) (IntegrateResult, error)
}

// ClassifyResult is the raw stage-1 output.
type ClassifyResult struct {
	PaperType          string   `json:"paper_type"`
	Summary            string   `json:"summary"`
	ExperimentalSystem string   `json:"experimental_system"`
	KeyContributions   []string `json:"key_contributions"`
}

// RawQuote is a verbatim evidence span as returned by the backend.
type RawQuote struct {
	Text      string `json:"text"`
	PageLabel string `json:"page_label"`
}

// RawFinding is a single finding as returned by the stage-2 backend,
// before validation and normalization.
type RawFinding struct {
	Type               string     `json:"type"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Quotes             []RawQuote `json:"quotes"`
	Confidence         float64    `json:"confidence"`
	PageNumbers        []int      `json:"page_numbers"`
	RelevanceScore     int        `json:"relevance_score"`
	RelevanceReasoning string     `json:"relevance_reasoning"`
}

// ExtractResult is the raw stage-2 output.
type ExtractResult struct {
	Findings []RawFinding `json:"findings"`
}

// RawConnection is a finding relationship as returned by the stage-3
// backend. From and To are zero-based indexes into the finding list the
// backend was given; indexes survive model output more reliably than
// echoed IDs.
type RawConnection struct {
	From        int    `json:"from"`
	To          int    `json:"to"`
	Type        string `json:"type"`
	Explanation string `json:"explanation"`
}

// IntegrateResult is the raw stage-3 output.
type IntegrateResult struct {
	Connections          []RawConnection `json:"connections"`
	OverallScore         int             `json:"overall_score"`
	ThesisFramedTakeaway string          `json:"thesis_framed_takeaway"`
}

// convertFindings validates raw stage-2 findings and normalizes them into
// the canonical shape: IDs assigned, confidence clamped into [0,1], quote
// IDs filled, relevance attached only under a thesis. Structural problems
// (unknown type, empty description) are collected as validation errors and
// fail the stage, matching the store's refusal to hold malformed graphs.
func convertFindings(raw []RawFinding, withThesis bool) ([]types.ExtractedFinding, []string) {
	var findings []types.ExtractedFinding
	var errs []string

	for i, rf := range raw {
		ftype := types.FindingType(rf.Type)
		if !types.ValidFindingTypes[ftype] {
			errs = append(errs, fmt.Sprintf("finding %d: invalid type %q", i, rf.Type))
			continue
		}
		if rf.Description == "" {
			errs = append(errs, fmt.Sprintf("finding %d: empty description", i))
			continue
		}

		f := types.ExtractedFinding{
			ID:          uuid.NewString(),
			Type:        ftype,
			Title:       rf.Title,
			Description: rf.Description,
			Confidence:  types.ClampConfidence(rf.Confidence),
			PageNumbers: rf.PageNumbers,
		}
		for _, q := range rf.Quotes {
			if q.Text == "" {
				continue
			}
			f.DirectQuotes = append(f.DirectQuotes, types.DirectQuote{
				ID:        uuid.NewString(),
				Text:      q.Text,
				PageLabel: q.PageLabel,
			})
		}
		if withThesis && rf.RelevanceScore >= 1 && rf.RelevanceScore <= 5 {
			f.ThesisRelevance = &types.FindingRelevance{
				Score:     rf.RelevanceScore,
				Reasoning: rf.RelevanceReasoning,
			}
		}
		findings = append(findings, f)
	}

	return findings, errs
}

// convertConnections resolves raw stage-3 connections against the finding
// list. Connections with out-of-range endpoints, unknown types, or
// self-loops are dropped: a committed graph must never carry a dangling
// connection, and a noisy integration answer should not abort an
// otherwise complete run.
func convertConnections(raw []RawConnection, findings []types.ExtractedFinding) []types.Connection {
	var conns []types.Connection
	for _, rc := range raw {
		ctype := types.ConnectionType(rc.Type)
		if !types.ValidConnectionTypes[ctype] {
			continue
		}
		if rc.From < 0 || rc.From >= len(findings) || rc.To < 0 || rc.To >= len(findings) {
			continue
		}
		if rc.From == rc.To {
			continue
		}
		conns = append(conns, types.Connection{
			ID:            uuid.NewString(),
			FromFindingID: findings[rc.From].ID,
			ToFindingID:   findings[rc.To].ID,
			Type:          ctype,
			Explanation:   rc.Explanation,
		})
	}
	return conns
}
