package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin bearer token",
		Long: `Sign a JWT with auth.jwt_secret. When a secret is configured the server
requires this token (Authorization: Bearer <token>) to issue, list and revoke
keys. Validation never needs it.`,
		Example: `  keysmith token --subject ops
  keysmith token --subject ci --ttl 24h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set (set KEYSMITH_AUTH_JWT_SECRET or add it to keysmith.yaml)")
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.Auth.JWTTTL
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive, got %s", ttl)
			}

			token, err := newAuthService(cfg).IssueJWT(cmd.Context(), subject, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "admin", "Token subject, recorded in server logs")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime (default: auth.jwt_ttl)")

	return cmd
}
