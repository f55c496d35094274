package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"canopy/api/internal/auth"
)

var (
	tokenUserID   string
	tokenUsername string
	tokenTTL      time.Duration
)

// tokenCmd issues a development credential signed with the server secret.
// Production credentials come from the identity provider.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a development bearer token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenUserID == "" || tokenUsername == "" {
			return errors.New("--user and --name are required")
		}
		token, err := auth.IssueToken([]byte(cfg.JWTSecret), tokenUserID, tokenUsername, tokenTTL)
		if err != nil {
			return fmt.Errorf("issue token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUserID, "user", "", "user id (token subject)")
	tokenCmd.Flags().StringVar(&tokenUsername, "name", "", "display name")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 12*time.Hour, "token lifetime")
	tokenCmd.Flags().StringVar(&cfg.JWTSecret, "secret", cfg.JWTSecret, "signing secret")
	rootCmd.AddCommand(tokenCmd)
}
