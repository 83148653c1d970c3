// ABOUTME: token command: mints a bearer token signed with the configured shared secret
// ABOUTME: The subject names the caller, usually an agent id

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/XmasRock/multi-agent-conversational-system/internal/auth"
)

func newTokenCmd(opts *globalOptions) *cobra.Command {
	var expires time.Duration
	cmd := &cobra.Command{
		Use:   "token <caller>",
		Short: "Mint a bearer token for an agent or operator",
		Long:  "Sign a token whose subject is <caller> with auth.shared_secret from the config file.\nAn expiry of 0 mints a token that never expires.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(false)
			if err != nil {
				return err
			}
			if cfg.Auth.SharedSecret == "" {
				return fmt.Errorf("auth.shared_secret is not set in %s", opts.resolvedConfigPath())
			}

			verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.SharedSecret))
			if err != nil {
				return fmt.Errorf("creating signer: %w", err)
			}
			token, err := verifier.Generate(args[0], expires)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&expires, "expires", 30*24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}
