package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/elytra/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/elytra/backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	var (
		identity auth.Identity
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(identity.UserID) == "" {
				return errors.New("user is required")
			}
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.TAuthSigningKey),
				Issuer:        appConfig.TAuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			cmd.PrintErrf("expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&identity.UserID, "user", "", "User id carried by the token")
	cmd.Flags().StringVar(&identity.DisplayName, "name", "", "Display name carried by the token")
	cmd.Flags().StringVar(&identity.Email, "email", "", "Email carried by the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
