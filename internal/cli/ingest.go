package cli

import (
	"errors"
	"fmt"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/user/moviesearch/internal/service"
)

var (
	ingestSeed  string
	ingestForce bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Embed the seed movies and write them to the catalog",
	Long: `Embed the seed movies and write them to the catalog. Without --force the
catalog is only populated when it is empty.

Examples:
  moviesearch ingest
  moviesearch ingest --seed "data/**/*.yaml" --force`,
	Args: cobra.NoArgs,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
	ingestCmd.Flags().StringVar(&ingestSeed, "seed", "", "seed file or glob (default: built-in sample movies)")
	ingestCmd.Flags().BoolVar(&ingestForce, "force", false, "re-embed and upsert even when the catalog is not empty")
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ingestSeed != "" {
		cfg.Ingest.SeedPath = ingestSeed
	}

	manager, conn, err := openCatalog(ctx)
	if err != nil {
		return err
	}
	defer manager.Close()

	var (
		bar   *progressbar.ProgressBar
		barMu sync.Mutex
	)
	progress := func(done, total int) {
		barMu.Lock()
		defer barMu.Unlock()
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionEnableColorCodes(true),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionSetDescription("[cyan]Embedding[reset]"),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "[green]=[reset]",
					SaucerHead:    "[green]>[reset]",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
				progressbar.OptionOnCompletion(func() {
					fmt.Println()
				}),
			)
		}
		_ = bar.Set(done)
	}

	fmt.Printf("Catalog: %s\n", conn.URL)
	report, err := conn.Ingest.Run(ctx, service.IngestOptions{Force: ingestForce, Progress: progress})

	var partial *service.IngestionPartialFailure
	if err != nil && !errors.As(err, &partial) {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	if report.Skipped {
		fmt.Printf("\nIngestion skipped (%s): catalog holds %d movies\n", report.Reason, report.Count)
		return nil
	}

	fmt.Printf("\nIngestion complete:\n")
	fmt.Printf("  Source:   %s\n", report.Source)
	fmt.Printf("  Loaded:   %d\n", report.Loaded)
	fmt.Printf("  Written:  %d\n", report.Written)
	fmt.Printf("  Catalog:  %d movies\n", report.Count)
	fmt.Printf("  Took:     %dms\n", report.TookMs)

	if partial != nil {
		fmt.Printf("\nFailed records:\n")
		for _, f := range partial.Failures {
			fmt.Printf("  - %s (%s): %s\n", f.Title, f.Stage, f.Message)
		}
		return partial
	}
	return nil
}
