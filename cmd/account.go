package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/opero/internal/auth"
	"github.com/xkilldash9x/opero/internal/decision"
	"github.com/xkilldash9x/opero/internal/observability"
)

var errNotSignedIn = errors.New("not signed in; run `opero login` first")

// newLoginCmd signs in with the configured identity and stores it.
func newLoginCmd() *cobra.Command {
	var logout bool
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Stores the signed-in identity used for decision calls",
		Long: `Reads the identity token (OPERO_AUTH_TOKEN) or the configured auth.email
and stores it as the signed-in user. With --logout, clears it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if logout {
				if err := st.SetIdentity(ctx, nil); err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
				return err
			}

			info, err := auth.NewTokenAuthenticator(cfg.Auth(), logger).SignIn(ctx)
			if err != nil {
				return fmt.Errorf("sign-in failed: %w", err)
			}
			if err := st.SetIdentity(ctx, info); err != nil {
				return err
			}
			logger.Info("User signed in", zap.String("email", info.Email))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Signed in as %s\n", info.Email)
			return err
		},
	}
	loginCmd.Flags().BoolVar(&logout, "logout", false, "Clear the stored identity")
	return loginCmd
}

// newStatusCmd reports the signed-in account's remaining runs.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Shows the signed-in account and its remaining runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			st, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			info, err := st.Identity(ctx)
			if err != nil {
				return err
			}
			if info == nil {
				return errNotSignedIn
			}

			client, err := decision.NewClient(cfg.Decision(), nil, logger)
			if err != nil {
				return err
			}
			status, err := client.Status(ctx, info.Email)
			if err != nil {
				return fmt.Errorf("failed to fetch account status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Account: %s\n", info.Email)
			fmt.Fprintf(out, "Premium: %t\n", status.IsPremium)
			fmt.Fprintf(out, "Runs used: %d\n", status.AgentRuns)
			_, err = fmt.Fprintf(out, "Runs remaining: %s\n", status.RunsRemaining)
			return err
		},
	}
}
