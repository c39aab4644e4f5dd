package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/soyeahso/agentcron/internal/secrets"
	"github.com/spf13/cobra"
)

func newSecretCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secret",
		Short: "Manage encrypted tool-server environment values",
	}
	cmd.AddCommand(newSecretKeygenCmd())
	cmd.AddCommand(newSecretEncryptCmd())
	return cmd
}

func newSecretKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Create the identity used to decrypt tool secrets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			k, err := secrets.GenerateIdentity(paths.Identity)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Identity written to %s\nPublic key: %s\n", paths.Identity, k.Recipient())
			return nil
		},
	}
}

func newSecretEncryptCmd() *cobra.Command {
	var recipient string
	cmd := &cobra.Command{
		Use:   "encrypt [value]",
		Short: "Encrypt a value for use in tools.yaml (reads stdin when no value is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if recipient == "" {
				if _, err := loadConfig(); err != nil {
					return err
				}
				k, err := secrets.LoadIdentity(paths.Identity)
				if err != nil {
					return fmt.Errorf("%w (run 'agentcron secret keygen' or pass --recipient)", err)
				}
				recipient = k.Recipient()
			}

			var plain string
			if len(args) == 1 {
				plain = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && err != io.EOF {
					return err
				}
				plain = strings.TrimRight(line, "\r\n")
			}
			if plain == "" {
				return fmt.Errorf("nothing to encrypt")
			}

			sealed, err := secrets.Seal(plain, recipient)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), sealed)
			return nil
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "age public key to encrypt to (default: the local identity)")
	return cmd
}
