package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"nkowa/api/internal/app"
	"nkowa/api/internal/config"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "nkowactl",
	Short: "Maintenance commands for the Nkowa dictionary API",
	Long: `nkowactl runs one-off maintenance against the same database and
backing services the API server uses. Configuration is read from the
environment, an optional .env file and NKOWA_CONFIG.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file to load before reading configuration")
}

func loadConfig() (config.Config, error) {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		return config.Config{}, fmt.Errorf("read %s: %w", envFile, err)
	}
	return config.Load()
}

func connect(ctx context.Context) (*app.Runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Connect(ctx, cfg)
}
