package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nkowa/api/internal/auth"
	"nkowa/api/internal/rbac"
)

var (
	tokenName string
	tokenRole string
)

var tokenCmd = &cobra.Command{
	Use:   "token [user-id]",
	Short: "Issue an API token for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		name := tokenName
		if name == "" {
			name = args[0]
		}
		token, err := auth.IssueToken([]byte(cfg.JWTSecret), args[0], name, string(rbac.Normalize(tokenRole)), cfg.TokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name (defaults to the user id)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(rbac.RoleContributor), "contributor, editor, merger or admin")
	rootCmd.AddCommand(tokenCmd)
}
