package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tkingovr/mcpwarden/internal/policy"
)

var (
	blockKind   string
	blockReason string
)

var blockCmd = &cobra.Command{
	Use:   "block <name>",
	Short: "Block an agent, server or tool",
	Long: `Add an entry to the persisted blocklist. Blocked entities are rejected
before any policy or threat evaluation.`,
	Example: `  mcpwarden block agent-7 --reason "credential stuffing"
  mcpwarden block shell --kind server`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeBlocklist(cmd, args[0], true)
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <name>",
	Short: "Remove an agent, server or tool from the blocklist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeBlocklist(cmd, args[0], false)
	},
}

var blocklistCmd = &cobra.Command{
	Use:   "blocklist",
	Short: "List blocklist entries",
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
		return printJSON(sm.Engine().Blocked())
	},
}

func init() {
	for _, c := range []*cobra.Command{blockCmd, unblockCmd} {
		c.Flags().StringVar(&blockKind, "kind", string(policy.BlockAgent), "entity kind: agent, server or tool")
	}
	blockCmd.Flags().StringVar(&blockReason, "reason", "blocked by operator", "reason recorded with the entry")
	rootCmd.AddCommand(blockCmd, unblockCmd, blocklistCmd)
}

func changeBlocklist(cmd *cobra.Command, name string, block bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	sm, err := openSecurity(cfg)
	if err != nil {
		return err
	}
	defer sm.Close()

	ctx := cmd.Context()
	e := sm.Engine()
	var (
		blockFn   func() error
		unblockFn func() (bool, error)
	)
	switch policy.BlockKind(blockKind) {
	case policy.BlockAgent:
		blockFn = func() error { return e.BlockAgent(ctx, name, blockReason) }
		unblockFn = func() (bool, error) { return e.UnblockAgent(ctx, name) }
	case policy.BlockServer:
		blockFn = func() error { return e.BlockServer(ctx, name, blockReason) }
		unblockFn = func() (bool, error) { return e.UnblockServer(ctx, name) }
	case policy.BlockTool:
		blockFn = func() error { return e.BlockTool(ctx, name, blockReason) }
		unblockFn = func() (bool, error) { return e.UnblockTool(ctx, name) }
	default:
		return fmt.Errorf("invalid --kind %q", blockKind)
	}

	if block {
		if err := blockFn(); err != nil {
			return err
		}
		fmt.Printf("blocked %s %q\n", blockKind, name)
		return nil
	}
	removed, err := unblockFn()
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%s %q is not blocked", blockKind, name)
	}
	fmt.Printf("unblocked %s %q\n", blockKind, name)
	return nil
}
