// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/thesis-engine/internal/graphstore"
	"github.com/pdiddy/thesis-engine/pkg/types"
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect and verify committed findings graphs",
	Long: `Graph reads the findings graph store. Use subcommands to list graphs,
show one paper's graph, mark findings as verified, or export everything
for synthesis and gap-analysis tooling.`,
}

func openStore(cmd *cobra.Command) (*graphstore.Store, error) {
	knowledgeDir, _ := cmd.Flags().GetString("knowledge-dir")
	return graphstore.NewStore(types.GraphStoreConfig{KnowledgeDir: knowledgeDir})
}

// --- list subcommand ---

var graphListCmd = &cobra.Command{
	Use:   "list",
	Short: "List committed graphs with review status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		summaries, err := store.List(context.Background())
		if err != nil {
			return err
		}
		if len(summaries) == 0 {
			fmt.Println("no graphs committed yet")
			return nil
		}
		for _, s := range summaries {
			fmt.Printf("%-24s %-16s %-12s %3d findings %3d connections\n",
				s.PaperID, s.PaperType, s.ReviewStatus, s.Findings, s.Connections)
		}
		return nil
	},
}

// --- show subcommand ---

var graphShowCmd = &cobra.Command{
	Use:   "show [paper-id]",
	Short: "Print one paper's findings graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		graph, err := store.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		if graph == nil {
			return fmt.Errorf("no graph for paper %s", args[0])
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(graph)
		}
		data, err := yaml.Marshal(graph)
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	},
}

// --- verify subcommand ---

var graphVerifyCmd = &cobra.Command{
	Use:   "verify [paper-id] [finding-id]",
	Short: "Mark a finding as user-verified (or unverified with --undo)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		undo, _ := cmd.Flags().GetBool("undo")
		if err := store.VerifyFinding(context.Background(), args[0], args[1], !undo); err != nil {
			return err
		}

		graph, err := store.Get(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: review status now %s\n", args[0], graph.ReviewStatus)
		return nil
	},
}

// --- export subcommand ---

var graphExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all graphs to YAML and JSON under knowledge/index/",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := context.Background()
		yamlPath, err := store.ExportYAML(ctx)
		if err != nil {
			return err
		}
		jsonPath, err := store.ExportJSON(ctx)
		if err != nil {
			return err
		}
		fmt.Println("exported", yamlPath)
		fmt.Println("exported", jsonPath)
		return nil
	},
}

func init() {
	graphCmd.PersistentFlags().String("knowledge-dir", "knowledge", "base directory for knowledge (contains index/)")
	graphShowCmd.Flags().Bool("json", false, "output as JSON instead of YAML")
	graphVerifyCmd.Flags().Bool("undo", false, "clear the verified flag instead of setting it")

	graphCmd.AddCommand(graphListCmd)
	graphCmd.AddCommand(graphShowCmd)
	graphCmd.AddCommand(graphVerifyCmd)
	graphCmd.AddCommand(graphExportCmd)
	rootCmd.AddCommand(graphCmd)
}
