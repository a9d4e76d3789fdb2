package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relaymesh/internal/systemd"
)

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceUnitCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceCheckCmd)
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "systemd integration",
}

var serviceUnitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Print the hub systemd unit file",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(systemd.DaemonTemplate())
	},
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the hub unit file and record its hash",
	Long:  "Writes the unit file to /etc/systemd/system and records its SHA-256\nso later tampering is detectable at startup.",
	RunE:  runServiceInstall,
}

var serviceCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify the installed unit file against its install-time hash",
	RunE:  runServiceCheck,
}

func runServiceInstall(cmd *cobra.Command, args []string) error {
	path := systemd.UnitFilePaths[0]
	if err := os.WriteFile(path, []byte(systemd.DaemonTemplate()), 0644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	if err := systemd.RecordUnitFileHash(); err != nil {
		return err
	}
	fmt.Printf("installed %s\n", path)
	return nil
}

func runServiceCheck(cmd *cobra.Command, args []string) error {
	if msg := systemd.CheckUnitFileIntegrity(); msg != "" {
		return fmt.Errorf("%s", msg)
	}
	fmt.Println("unit file integrity ok")
	return nil
}
