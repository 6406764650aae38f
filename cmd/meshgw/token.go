package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-mesh/internal/api"
	"github.com/nerrad567/gray-logic-mesh/internal/infrastructure/config"
)

var errNoJWTSecret = errors.New("api.auth.jwt_secret is not set; the status API is running without authentication")

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the status API",
		Long: `Token signs a bearer token with api.auth.jwt_secret.

Send it as "Authorization: Bearer <token>". The lifetime defaults to
api.auth.token_ttl minutes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(getConfigPath(*configPath))
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.API.Auth.JWTSecret == "" {
				return errNoJWTSecret
			}
			if ttl <= 0 {
				ttl = time.Duration(cfg.API.Auth.TokenTTL) * time.Minute
			}

			token, err := api.IssueToken(cfg.API.Auth.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "Subject recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default api.auth.token_ttl)")
	return cmd
}
