// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// HTTPConfig holds shared HTTP settings used by stages that make network requests.
type HTTPConfig struct {
	// Timeout is the HTTP request timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "thesis-engine/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent"`
}

// AIConfig holds shared settings for stages that call a Generative AI API.
type AIConfig struct {
	// Model is the AI model identifier (e.g. "gpt-4o").
	Model string `json:"model" yaml:"model"`

	// APIKey is the authentication key for the AI API.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// MaxRetries is the number of retry attempts for failed API calls (default 3).
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
}

// SourceTextConfig holds settings for resolving a paper to extractable text.
type SourceTextConfig struct {
	// PapersDir is the base directory for papers (contains raw/, metadata/, markdown/).
	PapersDir string `json:"papers_dir" yaml:"papers_dir"`
}

// ExtractionConfig holds settings for the knowledge extraction pipeline.
type ExtractionConfig struct {
	AIConfig `yaml:",inline"`

	// PapersDir is the base directory for papers (contains raw/, markdown/).
	PapersDir string `json:"papers_dir" yaml:"papers_dir"`

	// KnowledgeDir is the base directory for knowledge output (contains graphs/).
	KnowledgeDir string `json:"knowledge_dir" yaml:"knowledge_dir"`

	// StageTimeout bounds each AI-calling stage (default 120s). A stage
	// exceeding it fails the session with that stage's error.
	StageTimeout time.Duration `json:"stage_timeout" yaml:"stage_timeout"`

	// RequestsPerMinute rate-limits AI API calls across sessions (default 20).
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
}

// CreditConfig holds settings for the credit gate.
type CreditConfig struct {
	HTTPConfig `yaml:",inline"`

	// LedgerURL is the remote credit ledger endpoint. Empty disables
	// remote reconciliation (local-only operation).
	LedgerURL string `json:"ledger_url,omitempty" yaml:"ledger_url,omitempty"`

	// LedgerAPIKey authenticates against the remote ledger.
	LedgerAPIKey string `json:"ledger_api_key,omitempty" yaml:"ledger_api_key,omitempty"`

	// LedgerPath is the local ledger file (default knowledge/credits.yaml).
	LedgerPath string `json:"ledger_path" yaml:"ledger_path"`

	// GuestAllowance is the fixed per-session credit pool for callers
	// without an identity (default 10).
	GuestAllowance int `json:"guest_allowance" yaml:"guest_allowance"`

	// HistoryLimit caps the locally retained debit history (default 50).
	HistoryLimit int `json:"history_limit" yaml:"history_limit"`

	// StageCost is the credit cost per AI-calling pipeline stage (default 1).
	StageCost int `json:"stage_cost" yaml:"stage_cost"`
}

// GraphStoreConfig holds settings for the findings graph store.
type GraphStoreConfig struct {
	// KnowledgeDir is the base directory for knowledge (contains graphs/, index/).
	KnowledgeDir string `json:"knowledge_dir" yaml:"knowledge_dir"`
}

// PipelineConfig groups all stage configurations.
type PipelineConfig struct {
	SourceText SourceTextConfig `json:"source_text" yaml:"source_text"`
	Extraction ExtractionConfig `json:"extraction" yaml:"extraction"`
	Credit     CreditConfig     `json:"credit" yaml:"credit"`
	GraphStore GraphStoreConfig `json:"graph_store" yaml:"graph_store"`
}
