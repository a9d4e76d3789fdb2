package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relaymesh/internal/config"
	"github.com/relaymesh/relaymesh/internal/securechannel"
)

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysPublicCmd)
	keysCmd.AddCommand(keysRotateCmd)
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Hub keypair operations",
}

var keysPublicCmd = &cobra.Command{
	Use:   "public",
	Short: "Print the hub public key",
	Long:  "Prints the PEM public key bots use to wrap their session keys.",
	RunE:  runKeysPublic,
}

var keysRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Generate a fresh hub keypair",
	Long:  "Replaces the hub RSA keypair. Live sessions keep their negotiated\nsession keys; new handshakes wrap against the new public key.",
	RunE:  runKeysRotate,
}

func runKeysPublic(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}
	priv, err := securechannel.LoadPrivateKey(cfg.PrivateKeyPath)
	if err != nil {
		return err
	}
	pub, err := securechannel.MarshalPublicKey(priv)
	if err != nil {
		return err
	}
	fmt.Print(string(pub))
	return nil
}

func runKeysRotate(cmd *cobra.Command, args []string) error {
	cfg, _, err := config.Load(configPath)
	if err != nil {
		return err
	}
	priv, err := securechannel.GenerateKeyPair()
	if err != nil {
		return err
	}
	pemBytes, err := securechannel.MarshalPrivateKey(priv)
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfg.PrivateKeyPath, pemBytes, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	fmt.Printf("keypair rotated: %s\n", cfg.PrivateKeyPath)
	return nil
}
