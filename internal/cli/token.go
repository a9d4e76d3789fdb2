package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relaymesh/internal/config"
	"github.com/relaymesh/relaymesh/internal/credstore"
	"github.com/relaymesh/relaymesh/internal/keyring"
)

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd)
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Onboarding token operations",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue <bot-id>",
	Short: "Issue a one-time onboarding token for a bot",
	Long:  "Mints a single-use token the bot exchanges for an API key on first\nconnect. Only the token hash is stored; the plaintext printed here is\nshown exactly once.",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenIssue,
}

func runTokenIssue(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}

	master, err := keyring.LoadMaster(cfg.MasterSecretPath)
	if err != nil {
		return err
	}
	store, err := credstore.OpenSQLite(cfg.CredentialDB)
	if err != nil {
		return err
	}
	defer store.Close()

	mgr, err := credstore.NewManager(store, master)
	if err != nil {
		return err
	}

	token, err := mgr.IssueOneTimeToken(args[0])
	if err != nil {
		return err
	}

	fmt.Printf("bot_id: %s\ntoken:  %s\n", args[0], token)
	fmt.Println("\nThe token is single-use and its plaintext is not stored.")
	return nil
}
