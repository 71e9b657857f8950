package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nkowa/api/internal/store"
)

var combineActor string

var combineCmd = &cobra.Command{
	Use:   "combine [primary-id] [secondary-id]",
	Short: "Fold a duplicate word into another",
	Long: `Combine copies the secondary word's definitions, variations and stems
into the primary word, points every example at the primary and deletes the
secondary along with its open suggestions.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		word, err := rt.Service.Engine().CombineWords(cmd.Context(), args[0], args[1], combineActor)
		if err != nil {
			return fmt.Errorf("combine: %w", err)
		}
		fmt.Printf("Combined %s into %s (%s)\n", args[1], word.ID, word.Word)
		return nil
	},
}

func init() {
	combineCmd.Flags().StringVar(&combineActor, "actor", store.SystemActor, "user id recorded as the author of the change")
	rootCmd.AddCommand(combineCmd)
}
