package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/moviesearch/internal/catalog"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the catalog's vector index",
}

var indexCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create the vector index (HNSW index or Qdrant collection) if missing",
	Args:  cobra.NoArgs,
	RunE:  runIndexCreate,
}

func init() {
	rootCmd.AddCommand(indexCmd)
	indexCmd.AddCommand(indexCreateCmd)
}

func runIndexCreate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	manager, conn, err := openCatalog(ctx)
	if err != nil {
		return err
	}
	defer manager.Close()

	im, ok := conn.Store.(catalog.IndexManager)
	if !ok {
		fmt.Printf("%s searches without a separate index, nothing to do\n", conn.URL)
		return nil
	}
	if err := im.EnsureIndex(ctx); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	fmt.Printf("Vector index ready on %s\n", conn.URL)
	return nil
}
