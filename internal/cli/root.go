// Package cli 命令行入口：导入、检索、建索引与签发管理 Token
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/user/moviesearch/internal/config"
	"github.com/user/moviesearch/internal/service"
)

var (
	cfgFile    string
	catalogURL string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "moviesearch",
	Short: "Semantic movie search over a vector catalog",
	Long: `moviesearch loads a movie catalog into a vector store and answers
free-text descriptions with the most similar movies.

Example usage:
  moviesearch ingest                          # Load sample movies if the catalog is empty
  moviesearch search "a heist inside dreams"  # Find matching movies
  moviesearch index create                    # Create the vector index`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.LoadFile(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if catalogURL != "" {
			cfg.Catalog.URL = catalogURL
		}
		return nil
	},
}

// Execute 运行根命令
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file layered over environment variables")
	rootCmd.PersistentFlags().StringVar(&catalogURL, "catalog", "", "catalog connection string (default from DATABASE_URL)")
}

// openCatalog 按配置打开目录连接，返回的 manager 需由调用方关闭
func openCatalog(ctx context.Context) (*service.ConnectionManager, *service.Connection, error) {
	managerCfg, err := service.ManagerConfigFromConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	manager := service.NewConnectionManager(managerCfg)
	conn, err := manager.Connect(ctx, cfg.Catalog.URL)
	if err != nil {
		_ = manager.Close()
		return nil, nil, err
	}
	return manager, conn, nil
}
