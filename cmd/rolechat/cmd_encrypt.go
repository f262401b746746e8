package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"rolechat/internal/infra/config"
)

func newEncryptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "encrypt [secret]",
		Short: "Encrypt a secret for the config file",
		Long: `Encrypt a secret, such as the api auth token, with the passphrase in
ROLECHAT_CONFIG_KEY. Paste the printed enc:... value into config.yaml; rolechat
decrypts it at load time with the same passphrase. The secret is read from
stdin when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnv(envFile); err != nil {
				return err
			}
			passphrase := os.Getenv("ROLECHAT_CONFIG_KEY")
			if passphrase == "" {
				return errors.New("ROLECHAT_CONFIG_KEY is not set")
			}
			secret, err := messageContent(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			secret = strings.TrimSpace(secret)
			if secret == "" {
				return errors.New("empty secret")
			}
			enc, err := config.EncryptValue(secret, passphrase)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "enc:"+enc)
			return nil
		},
	}
}
