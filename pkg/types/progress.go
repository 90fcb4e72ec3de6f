// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

// ExtractionProgress is a transient snapshot of a running extraction
// session. Progress values for one session are strictly ordered and
// OverallProgress never decreases.
type ExtractionProgress struct {
	// CurrentStage is 1 (classify), 2 (extract), or 3 (integrate).
	CurrentStage int `json:"current_stage"`

	// StageDescription is a human-readable label for the current stage.
	StageDescription string `json:"stage_description"`

	// OverallProgress is a percentage in 0..100 across all stages.
	OverallProgress int `json:"overall_progress"`
}

// ThesisContext describes the user's research thesis. When supplied to the
// pipeline it enables per-finding and paper-level thesis relevance scoring.
type ThesisContext struct {
	// Title is the thesis title.
	Title string `json:"title" yaml:"title"`

	// Description elaborates the thesis claim or question.
	Description string `json:"description" yaml:"description"`
}
