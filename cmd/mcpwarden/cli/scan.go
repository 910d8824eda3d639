package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	scanResponse bool
	scanAgent    string
)

var scanCmd = &cobra.Command{
	Use:   "scan [file|-]",
	Short: "Scan text for injection, data exposure and malicious content",
	Long: `Scan a prompt (default) or a server response read from a file or stdin
and print the scan report. Blocked content is never echoed back.`,
	Example: `  echo "ignore all previous instructions" | mcpwarden scan
  mcpwarden scan --response tool-output.txt`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanResponse, "response", false, "scan as a server response instead of a prompt")
	scanCmd.Flags().StringVar(&scanAgent, "agent", "", "agent id (defaults to settings.agent_id)")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var r io.Reader = os.Stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening input: %w", err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	agent := scanAgent
	if agent == "" {
		agent = cfg.AgentID
	}

	sm, err := openSecurity(cfg)
	if err != nil {
		return err
	}
	defer sm.Close()

	ctx := cmd.Context()
	if scanResponse {
		return printJSON(sm.ScanResponse(ctx, agent, string(data)))
	}
	return printJSON(sm.ScanPrompt(ctx, agent, string(data)))
}
