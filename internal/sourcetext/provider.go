// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package sourcetext resolves a paper identity to extractable plain text.
// Resolution prefers previously converted Markdown under papers/markdown/
// and falls back to extracting the stored PDF under papers/raw/ through a
// pluggable TextExtractor. Implements: prd009-source-text (R1-R3).
package sourcetext

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pdiddy/thesis-engine/pkg/types"
)

const (
	markdownDir = "markdown"
	rawDir      = "raw"
)

var (
	// ErrNotFound indicates no stored document exists for the paper.
	ErrNotFound = errors.New("no source document for paper")

	// ErrExtractionFailed indicates a stored document exists but text
	// could not be extracted from it.
	ErrExtractionFailed = errors.New("text extraction failed")
)

// TextExtractor pulls plain text out of a stored PDF. Implementations wrap
// external tools; tests supply fakes.
type TextExtractor interface {
	ExtractText(ctx context.Context, pdfPath string) (string, error)
}

// Provider resolves paper IDs to plain text.
type Provider struct {
	papersDir string
	extractor TextExtractor
}

// NewProvider builds a Provider over cfg.PapersDir using extractor for the
// PDF fallback path. A nil extractor disables the fallback; papers without
// converted Markdown then resolve to ErrNotFound.
func NewProvider(cfg types.SourceTextConfig, extractor TextExtractor) *Provider {
	return &Provider{
		papersDir: cfg.PapersDir,
		extractor: extractor,
	}
}

// GetText resolves paperID to plain text. Converted Markdown is preferred;
// otherwise the raw PDF is extracted and the result cached as Markdown for
// subsequent calls.
func (p *Provider) GetText(ctx context.Context, paperID string) (string, error) {
	mdPath := filepath.Join(p.papersDir, markdownDir, paperID+".md")
	if data, err := os.ReadFile(mdPath); err == nil {
		return stripFrontmatter(string(data)), nil
	}

	pdfPath := filepath.Join(p.papersDir, rawDir, paperID+".pdf")
	if _, err := os.Stat(pdfPath); err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, paperID)
	}
	if p.extractor == nil {
		return "", fmt.Errorf("%w: %s has no converted text and no extractor is configured", ErrNotFound, paperID)
	}

	text, err := p.extractor.ExtractText(ctx, pdfPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrExtractionFailed, paperID, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: %s produced empty text", ErrExtractionFailed, paperID)
	}

	// Cache the extraction so the next resolution skips the PDF. A failed
	// cache write is not fatal.
	if err := os.MkdirAll(filepath.Dir(mdPath), 0o755); err == nil {
		os.WriteFile(mdPath, []byte(text), 0o644)
	}

	return text, nil
}

// stripFrontmatter removes a leading YAML frontmatter block, if present.
// Converted Markdown carries paper metadata in frontmatter that should not
// reach the AI stages as body text.
func stripFrontmatter(content string) string {
	if !strings.HasPrefix(content, "---\n") {
		return content
	}
	rest := content[len("---\n"):]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return content
	}
	return strings.TrimPrefix(rest[end+len("\n---\n"):], "\n")
}

// PdftotextExtractor shells out to pdftotext for the PDF fallback path.
type PdftotextExtractor struct {
	// Binary is the pdftotext executable (default "pdftotext").
	Binary string
}

// ExtractText runs pdftotext over pdfPath and returns stdout.
func (e PdftotextExtractor) ExtractText(ctx context.Context, pdfPath string) (string, error) {
	binary := e.Binary
	if binary == "" {
		binary = "pdftotext"
	}

	var out, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, "-enc", "UTF-8", pdfPath, "-")
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%s: %s", binary, msg)
		}
		return "", fmt.Errorf("%s: %w", binary, err)
	}

	return out.String(), nil
}
