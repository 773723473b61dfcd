package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/solatis/ruleskeeper/internal/core/auth"
	"github.com/solatis/ruleskeeper/internal/core/config"
	"github.com/solatis/ruleskeeper/internal/core/db"
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Manage API keys",
}

var apikeyCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new API key",
	RunE:  runAPIKeyCreate,
}

var apikeyRevokeCmd = &cobra.Command{
	Use:   "revoke",
	Short: "Revoke an API key by name",
	RunE:  runAPIKeyRevoke,
}

var apikeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List API keys",
	RunE:  runAPIKeyList,
}

var apikeySecretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Generate an RK_HMAC_SECRET value",
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := auth.GenerateSecret()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "RK_HMAC_SECRET=%s\n", secret)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(apikeyCmd)
	apikeyCmd.AddCommand(apikeyCreateCmd, apikeyRevokeCmd, apikeyListCmd, apikeySecretCmd)

	apikeyCreateCmd.Flags().String("name", "", "unique key name, recorded as the author of rule changes (required)")
	_ = apikeyCreateCmd.MarkFlagRequired("name")
	apikeyRevokeCmd.Flags().String("name", "", "key name (required)")
	_ = apikeyRevokeCmd.MarkFlagRequired("name")
}

// openAuthenticator opens the database and builds an authenticator over
// the configured HMAC secrets.
func openAuthenticator(cmd *cobra.Command) (*auth.Authenticator, *backend, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	secrets, err := config.HMACSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	b, err := openBackend(cfg, logger, true)
	if err != nil {
		return nil, nil, err
	}
	return auth.NewAuthenticator(secrets, b.queries), b, nil
}

func runAPIKeyCreate(cmd *cobra.Command, args []string) error {
	authenticator, b, err := openAuthenticator(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	name, _ := cmd.Flags().GetString("name")
	key, err := authenticator.CreateKey(context.Background(), name)
	if err != nil {
		if errors.Is(err, auth.ErrNoSecrets) {
			return fmt.Errorf("%w: set RK_HMAC_SECRET (generate one with 'ruleskeeper apikey secret')", err)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "API key for %q (shown once, store it now):\n%s\n", name, key)
	return nil
}

func runAPIKeyRevoke(cmd *cobra.Command, args []string) error {
	authenticator, b, err := openAuthenticator(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	name, _ := cmd.Flags().GetString("name")
	if err := authenticator.RevokeKey(context.Background(), name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Revoked API key %q\n", name)
	return nil
}

func runAPIKeyList(cmd *cobra.Command, args []string) error {
	authenticator, b, err := openAuthenticator(cmd)
	if err != nil {
		return err
	}
	defer b.Close()

	keys, err := authenticator.ListKeys(context.Background())
	if err != nil {
		return err
	}
	tw := newTable(cmd.OutOrStdout(), "", table.Row{"Name", "Secret", "Created", "Last Used", "Revoked"})
	for _, k := range keys {
		tw.AppendRow(table.Row{k.Name, k.SecretID, formatTimestamp(k.CreatedAt), formatTimestamp(k.LastUsedAt), formatTimestamp(k.RevokedAt)})
	}
	tw.Render()
	return nil
}

func formatTimestamp(ts db.Timestamp) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.UTC().Format(time.RFC3339)
}
