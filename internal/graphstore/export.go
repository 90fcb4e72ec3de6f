// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package graphstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/thesis-engine/pkg/types"
)

// exportAll reads every committed graph in listing order.
func (s *Store) exportAll(ctx context.Context) ([]*types.PaperKnowledgeGraph, error) {
	summaries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	graphs := make([]*types.PaperKnowledgeGraph, 0, len(summaries))
	for _, sum := range summaries {
		g, err := s.Get(ctx, sum.PaperID)
		if err != nil {
			return nil, err
		}
		if g == nil {
			continue
		}
		graphs = append(graphs, g)
	}
	return graphs, nil
}

// ExportYAML writes all committed graphs to knowledge/index/graphs.yaml
// for synthesis and gap-analysis consumers.
func (s *Store) ExportYAML(ctx context.Context) (string, error) {
	graphs, err := s.exportAll(ctx)
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(graphs)
	if err != nil {
		return "", fmt.Errorf("marshaling YAML: %w", err)
	}

	path := filepath.Join(s.knowledgeDir, indexDir, "graphs.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// ExportJSON writes all committed graphs to knowledge/index/graphs.json.
func (s *Store) ExportJSON(ctx context.Context) (string, error) {
	graphs, err := s.exportAll(ctx)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(graphs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}

	path := filepath.Join(s.knowledgeDir, indexDir, "graphs.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}
