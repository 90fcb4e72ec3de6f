// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/thesis-engine/internal/credit"
	"github.com/pdiddy/thesis-engine/internal/graphstore"
	"github.com/pdiddy/thesis-engine/internal/pipeline"
	"github.com/pdiddy/thesis-engine/internal/sourcetext"
	"github.com/pdiddy/thesis-engine/pkg/types"
)

var extractCmd = &cobra.Command{
	Use:   "extract [paper-ids...]",
	Short: "Run the knowledge extraction pipeline over papers",
	Long: `Extract classifies each paper, extracts findings with verbatim evidence
and confidence scores, and maps the connections between findings. The
result is committed to the findings graph store as one atomic replace;
a failed or cancelled run leaves any prior graph untouched.

With --batch all papers with metadata under papers/metadata/ are
processed. Supplying --thesis-title enables thesis relevance scoring.
Ctrl-C cancels the active session cooperatively.`,
	RunE: runExtract,
}

func init() {
	extractCmd.Flags().String("model", "", "AI model identifier for extraction")
	extractCmd.Flags().String("papers-dir", "papers", "base directory for papers (contains raw/, metadata/, markdown/)")
	extractCmd.Flags().String("knowledge-dir", "knowledge", "base directory for knowledge output (contains index/)")
	extractCmd.Flags().Bool("batch", false, "process all papers with metadata in papers-dir")
	extractCmd.Flags().String("thesis-title", "", "thesis title for relevance scoring")
	extractCmd.Flags().String("thesis-description", "", "thesis description for relevance scoring")
	extractCmd.Flags().Duration("stage-timeout", 2*time.Minute, "timeout per AI stage")

	rootCmd.AddCommand(extractCmd)
}

func extractionConfig(cmd *cobra.Command) types.ExtractionConfig {
	model, _ := cmd.Flags().GetString("model")
	if model == "" {
		model = viper.GetString("extraction.model")
	}
	papersDir, _ := cmd.Flags().GetString("papers-dir")
	knowledgeDir, _ := cmd.Flags().GetString("knowledge-dir")
	stageTimeout, _ := cmd.Flags().GetDuration("stage-timeout")

	return types.ExtractionConfig{
		AIConfig: types.AIConfig{
			Model:      model,
			APIKey:     secretDefault("openai-api-key", viper.GetString("extraction.api_key")),
			MaxRetries: viper.GetInt("extraction.max_retries"),
		},
		PapersDir:         papersDir,
		KnowledgeDir:      knowledgeDir,
		StageTimeout:      stageTimeout,
		RequestsPerMinute: viper.GetInt("extraction.requests_per_minute"),
	}
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg := extractionConfig(cmd)
	batch, _ := cmd.Flags().GetBool("batch")

	if !batch && len(args) == 0 {
		return fmt.Errorf("no paper IDs given (or use --batch)")
	}

	thesis := thesisFromFlags(cmd)
	userID, _ := rootCmd.PersistentFlags().GetString("user")

	gate, err := credit.NewGate(creditConfig(cfg.KnowledgeDir), userID, os.Stderr)
	if err != nil {
		return err
	}
	defer gate.Close()

	store, err := graphstore.NewStore(types.GraphStoreConfig{KnowledgeDir: cfg.KnowledgeDir})
	if err != nil {
		return err
	}
	defer store.Close()

	provider := sourcetext.NewProvider(
		types.SourceTextConfig{PapersDir: cfg.PapersDir},
		sourcetext.PdftotextExtractor{},
	)
	backend := pipeline.NewOpenAIBackend(cfg.AIConfig)
	mgr := pipeline.NewManager(cfg, backend, gate, provider, store)

	papers, err := papersToExtract(cfg.PapersDir, args, batch)
	if err != nil {
		return err
	}

	var failed int
	for _, paper := range papers {
		if err := extractOne(mgr, paper, thesis); err != nil {
			if errors.Is(err, pipeline.ErrCancelled) {
				fmt.Fprintf(os.Stdout, "cancelled %s\n", paper.ID)
				break
			}
			fmt.Fprintf(os.Stdout, "failed  %s: %v\n", paper.ID, err)
			failed++
			continue
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d paper(s) failed extraction", failed)
	}
	return nil
}

// extractOne runs a single session with progress on stderr and Ctrl-C
// wired to cooperative cancellation.
func extractOne(mgr *pipeline.Manager, paper types.Paper, thesis *types.ThesisContext) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		mgr.Cancel(paper.ID)
	}()

	fmt.Fprintf(os.Stdout, "extracting %s\n", paper.ID)
	graph, err := mgr.Extract(ctx, paper, thesis, func(p types.ExtractionProgress) {
		fmt.Fprintf(os.Stderr, "  stage %d/3 %-22s %3d%%\n", p.CurrentStage, p.StageDescription, p.OverallProgress)
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "extracted %s (%d findings, %d connections)\n",
		paper.ID, len(graph.Findings), len(graph.Connections))
	return nil
}

func thesisFromFlags(cmd *cobra.Command) *types.ThesisContext {
	title, _ := cmd.Flags().GetString("thesis-title")
	if title == "" {
		title = viper.GetString("thesis.title")
	}
	if title == "" {
		return nil
	}
	desc, _ := cmd.Flags().GetString("thesis-description")
	if desc == "" {
		desc = viper.GetString("thesis.description")
	}
	return &types.ThesisContext{Title: title, Description: desc}
}

// papersToExtract loads paper metadata for the requested IDs, or for all
// papers under papers/metadata/ in batch mode. A paper without a metadata
// file still extracts with a minimal record so its text can be resolved.
func papersToExtract(papersDir string, ids []string, batch bool) ([]types.Paper, error) {
	if batch {
		entries, err := os.ReadDir(filepath.Join(papersDir, "metadata"))
		if err != nil {
			return nil, fmt.Errorf("reading metadata directory: %w", err)
		}
		ids = ids[:0]
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
				continue
			}
			ids = append(ids, strings.TrimSuffix(name, ".yaml"))
		}
	}

	papers := make([]types.Paper, 0, len(ids))
	for _, id := range ids {
		papers = append(papers, loadPaper(papersDir, id))
	}
	return papers, nil
}

func loadPaper(papersDir, id string) types.Paper {
	path := filepath.Join(papersDir, "metadata", id+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Paper{ID: id}
	}
	var paper types.Paper
	if err := yaml.Unmarshal(data, &paper); err != nil {
		fmt.Fprintf(os.Stderr, "warning: bad metadata for %s: %v\n", id, err)
		return types.Paper{ID: id}
	}
	if paper.ID == "" {
		paper.ID = id
	}
	return paper
}
