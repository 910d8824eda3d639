package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkingovr/mcpwarden/internal/policy"
)

var (
	credType    string
	credExpires time.Duration
)

var credentialCmd = &cobra.Command{
	Use:   "credential",
	Short: "Manage sealed server credentials",
}

var credentialAddCmd = &cobra.Command{
	Use:   "add <server>",
	Short: "Seal a credential for a server (secret read from stdin)",
	Long: `Read a secret from stdin, seal it with the local key and persist it.
The secret is passed to the server process as MCP_CREDENTIAL when it is
launched. Only the first line of input is used.`,
	Example: `  printf '%s' "$GITHUB_TOKEN" | mcpwarden credential add github --type token --expires 720h`,
	Args:    cobra.ExactArgs(1),
	RunE:    runCredentialAdd,
}

var credentialRemoveCmd = &cobra.Command{
	Use:   "remove <server>",
	Short: "Delete a server's credential",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sm, err := openSecurity(cfg)
		if err != nil {
			return err
		}
		defer sm.Close()

		removed, err := sm.Engine().RemoveCredential(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("no credential for server %q", args[0])
		}
		fmt.Printf("removed credential for %q\n", args[0])
		return nil
	},
}

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credential metadata (never the secrets)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		sm, err := openSecurity(cfg)
		if err != nil {
			return err
		}
		defer sm.Close()
		return printJSON(sm.Engine().Credentials())
	},
}

func init() {
	credentialAddCmd.Flags().StringVar(&credType, "type", "token", "credential type")
	credentialAddCmd.Flags().DurationVar(&credExpires, "expires", 0, "lifetime of the credential (0 = never expires)")
	credentialCmd.AddCommand(credentialAddCmd, credentialRemoveCmd, credentialListCmd)
	rootCmd.AddCommand(credentialCmd)
}

func runCredentialAdd(cmd *cobra.Command, args []string) error {
	secret, err := readSecret(os.Stdin)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sm, err := openSecurity(cfg)
	if err != nil {
		return err
	}
	defer sm.Close()

	in := policy.CredentialInput{Server: args[0], Type: credType, Secret: secret}
	if credExpires > 0 {
		at := time.Now().Add(credExpires).UTC()
		in.ExpiresAt = &at
	}
	cred, err := sm.Engine().AddCredential(cmd.Context(), in)
	if err != nil {
		return err
	}
	return printJSON(cred)
}

func readSecret(r io.Reader) ([]byte, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading secret: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, fmt.Errorf("empty secret on stdin")
	}
	return []byte(line), nil
}
