package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the Meilisearch indexes from the database",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		count, err := rt.Search.ReindexAll(cmd.Context(), rt.Store)
		if err != nil {
			return fmt.Errorf("reindex: %w", err)
		}
		fmt.Printf("Indexed %d documents\n", count)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reindexCmd)
}
