package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rewritesCmd = &cobra.Command{
	Use:   "rewrites",
	Short: "Inspect and finish word reference rewrites",
}

var rewritesResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Finish rewrites an interrupted merge or combine left behind",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		updated, err := rt.Service.Resolver().Resume(cmd.Context())
		if err != nil {
			return fmt.Errorf("resume rewrites: %w", err)
		}
		fmt.Printf("Rewrites finished, %d documents updated\n", updated)
		return nil
	},
}

func init() {
	rewritesCmd.AddCommand(rewritesResumeCmd)
	rootCmd.AddCommand(rewritesCmd)
}
