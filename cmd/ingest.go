package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lumakb/luma/internal/app"
	"github.com/lumakb/luma/internal/config"
	"github.com/lumakb/luma/internal/knowledge"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file>...",
	Short: "Ingest text files into the knowledge base",
	Long: `Ingest reads one or more text files, splits them into chunks, embeds
every chunk and stores the result in the knowledge base. Each chunk is
tagged with a "source" metadata entry carrying the file name.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runIngest(args)
	},
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(paths []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := app.Setup(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing application: %w", err)
	}
	defer a.Close()

	docs := make([]knowledge.DocumentInput, 0, len(paths))
	for _, path := range paths {
		content, err := os.ReadFile(path) // #nosec G304 -- paths come from the operator's command line
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		docs = append(docs, knowledge.DocumentInput{
			Content:  string(content),
			Metadata: map[string]any{"source": filepath.Base(path)},
		})
	}

	result, err := a.Knowledge.UpdateKnowledge(ctx, docs)
	if err != nil {
		return fmt.Errorf("ingesting documents: %w", err)
	}

	fmt.Printf("Ingested %d documents as %d chunks\n", result.ProcessedCount, result.ChunkCount)
	return nil
}
