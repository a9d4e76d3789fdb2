package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relaymesh/internal/audit"
	"github.com/relaymesh/relaymesh/internal/config"
	"github.com/relaymesh/relaymesh/internal/keyring"
)

var tailCount int

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditTailCmd.Flags().IntVarP(&tailCount, "lines", "n", 10, "Number of recent entries to show")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit ledger operations",
	Long:  "Commands for verifying and inspecting the HMAC-chained audit ledger.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the integrity of the audit ledger",
	Long:  "Walks the ledger validating every entry's HMAC and the prev_hmac chain.\nExits 0 if valid, 1 if tampered.",
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit entries",
	RunE:  runAuditTail,
}

func openLedger() (*audit.Ledger, *audit.SQLiteStore, error) {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	master, err := keyring.LoadMaster(cfg.MasterSecretPath)
	if err != nil {
		return nil, nil, err
	}
	store, err := audit.OpenSQLite(cfg.AuditDB)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := audit.NewLedger(store, master)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return ledger, store, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	ledger, store, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	result := ledger.VerifyAll()
	if result.Valid {
		fmt.Printf("OK: %d entries verified\n", result.Entries)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at entry %d: %s\n", result.ErrorAt, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	_, store, err := openLedger()
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.All()
	if err != nil {
		return err
	}
	if len(entries) > tailCount {
		entries = entries[len(entries)-tailCount:]
	}
	for _, entry := range entries {
		out, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Println(string(out))
	}
	return nil
}
