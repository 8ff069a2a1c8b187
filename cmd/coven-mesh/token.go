// ABOUTME: token subcommand: mints a bridge JWT for a link subject

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-mesh/internal/auth"
)

var errNoSecret = errors.New("bridge.jwt_secret is not configured")

func newTokenCmd(c *cli) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bridge token for a subject",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.cfg.Bridge.JWTSecret == "" {
				return errNoSecret
			}
			if ttl <= 0 {
				ttl = c.cfg.Bridge.TokenTTL
			}
			token, err := auth.NewJWTVerifier([]byte(c.cfg.Bridge.JWTSecret)).Generate(subject, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "link subject (becomes the analytics identity)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default bridge.token_ttl)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
