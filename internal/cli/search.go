package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/moviesearch/internal/catalog"
	"github.com/user/moviesearch/internal/service"
)

var (
	searchTopK       int
	searchCandidates int
	searchMinScore   float64
	searchJSON       bool
)

var searchCmd = &cobra.Command{
	Use:   "search <description>",
	Short: "Find movies similar to a free-text description",
	Long: `Find movies similar to a free-text description.

Examples:
  moviesearch search "a heist inside someone's dreams"
  moviesearch search "space travel" -k 3 --candidates 50 --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().IntVarP(&searchTopK, "top-k", "k", 0, "number of results (default from config)")
	searchCmd.Flags().IntVar(&searchCandidates, "candidates", 0, "candidate pool size (default from config)")
	searchCmd.Flags().Float64Var(&searchMinScore, "min-score", 0, "drop results scoring below this value")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output as JSON")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	query := strings.Join(args, " ")

	manager, conn, err := openCatalog(ctx)
	if err != nil {
		return err
	}
	defer manager.Close()

	opts := service.QueryOptions{TopK: searchTopK, NumCandidates: searchCandidates}
	if cmd.Flags().Changed("min-score") {
		opts.MinScore = &searchMinScore
	}

	resp, err := conn.Query.SearchWith(ctx, query, opts)
	if err != nil {
		var idx *catalog.IndexNotReadyError
		if errors.As(err, &idx) {
			fmt.Fprintln(os.Stderr, idx.Guidance())
		}
		return err
	}

	if searchJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if len(resp.Results) == 0 {
		fmt.Println("No movies matched.")
		return nil
	}
	fmt.Printf("Top %d matches for %q (%s, %dms):\n\n", len(resp.Results), resp.Query, resp.Model, resp.TookMs)
	for i, r := range resp.Results {
		fmt.Printf("%d. [%.4f] %s (%s)\n", i+1, r.Score, r.Title, strings.Join(r.Genres, ", "))
		fmt.Printf("   %s\n\n", r.Description)
	}
	return nil
}
