package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/tunnelca/signingkey"
	"github.com/jmcleod/tunnelca/token"
)

var (
	tokenTTL          time.Duration
	tokenRefreshDelta time.Duration
	tokenScopes       []string
)

var tokenCmd = &cobra.Command{
	Use:   "token <user>",
	Short: "Mint an access and refresh token signed with the stored secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		issuer, closeStore, err := newTokenIssuer(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		pair, err := issuer.Issue(args[0], tokenScopes...)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(pair)
	},
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify <token>",
	Short: "Verify a token and print its claims",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		issuer, closeStore, err := newTokenIssuer(cmd)
		if err != nil {
			return err
		}
		defer closeStore()

		claims, err := issuer.Verify(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "User:     %s\n", claims.User)
		fmt.Fprintf(out, "Kind:     %s\n", claims.Kind)
		fmt.Fprintf(out, "Expires:  %s\n", claims.ExpiresAt.UTC().Format(time.RFC3339))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenVerifyCmd)
	tokenCmd.PersistentFlags().DurationVar(&tokenTTL, "ttl", token.DefaultAccessTTL, "Access token lifetime")
	tokenCmd.PersistentFlags().DurationVar(&tokenRefreshDelta, "refresh-delta", token.DefaultRefreshDelta, "How long the refresh token outlives the access token")
	tokenCmd.Flags().StringSliceVar(&tokenScopes, "scope", nil, "Scopes to embed in the token")
}

func newTokenIssuer(cmd *cobra.Command) (*token.Issuer, func(), error) {
	store, closeStore, err := openStore(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	keys := signingkey.New(store, signingkey.WithLogger(logger))
	return token.NewIssuer(keys,
		token.WithAccessTTL(tokenTTL),
		token.WithRefreshDelta(tokenRefreshDelta),
		token.WithLogger(logger),
	), closeStore, nil
}
