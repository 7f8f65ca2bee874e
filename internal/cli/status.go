package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/moviesearch/internal/middleware"
	"github.com/user/moviesearch/internal/service"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show catalog size and a sample of its movies",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var (
	tokenSubject string
	tokenRole    string
	tokenExpiry  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed API token (admin tokens may trigger ingestion)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		expiry := tokenExpiry
		if expiry <= 0 {
			expiry = cfg.JWTExpiry
		}
		token, err := middleware.GenerateToken(tokenSubject, tokenRole, cfg.AppSecret, expiry)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "cli", "token subject")
	tokenCmd.Flags().StringVar(&tokenRole, "role", middleware.RoleAdmin, "token role")
	tokenCmd.Flags().DurationVar(&tokenExpiry, "expiry", 0, "token lifetime (default from JWT_EXPIRY_HOURS)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	manager, conn, err := openCatalog(ctx)
	if err != nil {
		return err
	}
	defer manager.Close()

	count, err := conn.Store.Count(ctx)
	if err != nil {
		return err
	}
	sample, err := conn.Store.Sample(ctx, service.SampleSize)
	if err != nil {
		return err
	}

	fmt.Printf("Catalog:  %s\n", conn.URL)
	fmt.Printf("Movies:   %d\n", count)
	if len(sample) > 0 {
		fmt.Printf("\nSample:\n")
		for _, m := range sample {
			fmt.Printf("  - %s\n", m.Title)
		}
	}
	return nil
}
