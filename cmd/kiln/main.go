package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/efebarandurmaz/kiln/internal/config"
	"github.com/efebarandurmaz/kiln/internal/document"
	"github.com/efebarandurmaz/kiln/internal/engine"
	"github.com/efebarandurmaz/kiln/internal/export"
	"github.com/efebarandurmaz/kiln/internal/kb"
	"github.com/efebarandurmaz/kiln/internal/llm"
	"github.com/efebarandurmaz/kiln/internal/observability"
	"github.com/efebarandurmaz/kiln/internal/query"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const version = "0.1.0"

type globals struct {
	configPath string
	workingDir string
	logLevel   string
}

func main() {
	var g globals

	rootCmd := &cobra.Command{
		Use:           "kiln",
		Short:         "Incremental knowledge graph and vector retrieval engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file path")
	rootCmd.PersistentFlags().StringVar(&g.workingDir, "working-dir", "", "Override storage.working_dir")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Override log.level")

	rootCmd.AddCommand(
		ingestCmd(&g),
		queryCmd(&g),
		resetCmd(&g),
		exportCmd(&g),
		statsCmd(&g),
		providersCmd(),
		serveCmd(&g),
		batchCmd(&g),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// load reads the config and applies the global flag overrides.
func (g *globals) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.workingDir != "" {
		cfg.Storage.WorkingDir = g.workingDir
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// open loads the config and opens an engine on it. The caller closes both.
func (g *globals) open(ctx context.Context, opts ...engine.Option) (*engine.Engine, *zap.Logger, error) {
	cfg, logger, err := g.load()
	if err != nil {
		return nil, nil, err
	}
	opts = append([]engine.Option{engine.WithLogger(logger)}, opts...)
	e, err := engine.Open(ctx, cfg, opts...)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return e, logger, nil
}

func closeEngine(e *engine.Engine, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		logger.Error("closing engine", zap.Error(err))
	}
	_ = logger.Sync()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ingestCmd(g *globals) *cobra.Command {
	var (
		dir        string
		force      bool
		format     string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Ingest documents into the knowledge base",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" && len(args) == 0 {
				return errors.New("nothing to ingest: pass files or --dir")
			}
			var f document.Format
			if format != "" {
				var err error
				if f, err = document.ParseFormat(format); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			e, logger, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer closeEngine(e, logger)

			out := cmd.OutOrStdout()
			if dir != "" {
				res, err := e.Scan(ctx, dir, force)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(out, res)
				}
				fmt.Fprintf(out, "Scanned %d files in %s: %d new, %d changed, %d unchanged, %d deleted, %d failed\n",
					res.Total, res.Duration.Round(time.Millisecond),
					len(res.New), len(res.Changed), len(res.Unchanged), len(res.Deleted), len(res.Failed))
				for _, fl := range res.Failed {
					fmt.Fprintf(out, "  FAIL %s: %s\n", fl.Path, fl.Error)
				}
			}

			var failed int
			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("reading %s: %w", path, err)
				}
				rep, err := e.Ingest(ctx, filepath.Base(path), data, f)
				if err != nil {
					failed++
					fmt.Fprintf(out, "  FAIL %s: %v\n", path, err)
					continue
				}
				if jsonOutput {
					if err := printJSON(out, rep); err != nil {
						return err
					}
					continue
				}
				if rep.Skipped {
					fmt.Fprintf(out, "  SKIP %s (already ingested as %s)\n", path, rep.DocumentID)
					continue
				}
				fmt.Fprintf(out, "  %-9s %s: %d chunks, %d entities (+%d merged), %d relations (+%d merged)\n",
					strings.ToUpper(string(rep.Status)), path, rep.ChunksAdded,
					rep.EntitiesCreated, rep.EntitiesMerged, rep.RelationsCreated, rep.RelationsMerged)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d documents failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "Scan a directory for supported documents")
	cmd.Flags().BoolVar(&force, "force", false, "Re-ingest files even when unchanged")
	cmd.Flags().StringVar(&format, "format", "", "Document format (text, pdf, docx); detected when empty")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output reports as JSON")
	return cmd
}

func queryCmd(g *globals) *cobra.Command {
	var (
		req        query.Request
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Answer a question from the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Text = strings.Join(args, " ")
			if req.Mode != "" {
				if _, err := query.ParseMode(req.Mode); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			e, logger, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer closeEngine(e, logger)

			ans, err := e.Query(ctx, req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, ans)
			}
			fmt.Fprintln(out, ans.Text)
			if len(ans.Provenance) > 0 {
				fmt.Fprintf(out, "\nSources (%s):\n", ans.Mode)
				for _, p := range ans.Provenance {
					fmt.Fprintf(out, "  %-8s %-40s %.3f\n", p.Kind, p.SourceID, p.Score)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Mode, "mode", "", "Retrieval mode: hybrid, vector_only, graph_only")
	cmd.Flags().IntVar(&req.TopK, "top-k", 0, "Number of vector matches")
	cmd.Flags().IntVar(&req.MaxContextTokens, "budget", 0, "Context token budget")
	cmd.Flags().BoolVar(&req.OnlyContext, "only-context", false, "Return the assembled context without generating")
	cmd.Flags().DurationVar(&req.Timeout, "timeout", 0, "Generation timeout")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the answer as JSON")
	return cmd
}

func resetCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Drop every document, chunk, entity and relation",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, logger, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer closeEngine(e, logger)
			if err := e.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Knowledge base reset")
			return nil
		},
	}
}

func exportCmd(g *globals) *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the knowledge graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			e, logger, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer closeEngine(e, logger)

			if output == "" || output == "-" {
				return e.Export(cmd.OutOrStdout(), f)
			}
			file, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			if err := e.Export(file, f); err != nil {
				file.Close()
				return err
			}
			return file.Close()
		},
	}
	names := make([]string, 0, len(export.Formats))
	for _, f := range export.Formats {
		names = append(names, string(f))
	}
	cmd.Flags().StringVar(&format, "format", "json", "Output format: "+strings.Join(names, ", "))
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func statsCmd(g *globals) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show knowledge base statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, logger, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer closeEngine(e, logger)

			st, err := e.Stats(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, st)
			}
			fmt.Fprintf(out, "Documents:   %d\n", st.Documents)
			statuses := make([]string, 0, len(st.ByStatus))
			for s := range st.ByStatus {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Fprintf(out, "  %-10s %d\n", s, st.ByStatus[kb.DocStatus(s)])
			}
			fmt.Fprintf(out, "Chunks:      %d\n", st.Chunks)
			fmt.Fprintf(out, "Entities:    %d\n", st.Entities)
			fmt.Fprintf(out, "Relations:   %d\n", st.Relations)
			fmt.Fprintf(out, "Components:  %d\n", st.Components)
			fmt.Fprintf(out, "Vectors:     %d (dimension %d)\n", st.VectorCount, st.Dimension)
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output statistics as JSON")
	return cmd
}

func providersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List available LLM providers",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Available LLM providers:")
			fmt.Fprintln(out)
			for _, name := range engine.NewFactory().Names() {
				fmt.Fprintf(out, "  %-14s %s\n", name, llm.KnownProviders[name])
			}
			fmt.Fprintln(out, "  none           (no models: ingestion disabled, queries fail)")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Configure in kiln.yaml or via environment:")
			fmt.Fprintln(out, "  KILN_LLM_PROVIDER=ollama")
			fmt.Fprintln(out, "  KILN_LLM_MODEL=llama3.1")
			fmt.Fprintln(out, "  KILN_LLM_API_KEY=env:OPENAI_API_KEY")
		},
	}
}
