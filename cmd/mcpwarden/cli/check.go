package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkingovr/mcpwarden/internal/policy"
	"github.com/tkingovr/mcpwarden/internal/security"
)

var (
	checkServer string
	checkTool   string
	checkArgs   string
	checkAgent  string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Dry-run an execution authorization",
	Long: `Check what decision a tool call would receive without connecting to any
server. Useful for testing and debugging policies. The evaluation runs the
same checks as a real call but changes nothing. It is not audited and does
not count against rate limits. Detected threats are reported without
raising the agent's risk score or blocking it.`,
	Example: `  mcpwarden check -c mcpwarden.yaml --server files --tool read_file --args '{"path":"/etc/passwd"}'`,
	RunE:    runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkServer, "server", "", "server name")
	checkCmd.Flags().StringVar(&checkTool, "tool", "", "tool name")
	checkCmd.Flags().StringVar(&checkArgs, "args", "", "JSON object of tool arguments")
	checkCmd.Flags().StringVar(&checkAgent, "agent", "", "agent id (defaults to settings.agent_id)")
	_ = checkCmd.MarkFlagRequired("server")
	_ = checkCmd.MarkFlagRequired("tool")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var params map[string]any
	if checkArgs != "" {
		if err := json.Unmarshal([]byte(checkArgs), &params); err != nil {
			return fmt.Errorf("invalid --args: %w", err)
		}
	}
	agent := checkAgent
	if agent == "" {
		agent = cfg.AgentID
	}

	sm, err := openSecurity(cfg)
	if err != nil {
		return err
	}
	defer sm.Close()

	d, err := check(cmd.Context(), sm, &policy.ExecutionRequest{
		AgentID: agent,
		Server:  checkServer,
		Tool:    checkTool,
		Params:  params,
	})
	if err != nil {
		return err
	}
	return printJSON(d)
}

type checkOutput struct {
	Allowed bool   `json:"allowed"`
	Check   string `json:"check"`
	Reason  string `json:"reason,omitempty"`
	Policy  string `json:"policy,omitempty"`
	Threat  string `json:"threat,omitempty"`
}

func check(ctx context.Context, sm *security.Manager, req *policy.ExecutionRequest) (*checkOutput, error) {
	d, err := sm.Engine().EvaluateExecution(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("evaluation error: %w", err)
	}
	out := &checkOutput{Allowed: d.Allowed, Check: d.Check, Reason: d.Reason}
	if d.Policy != nil {
		out.Policy = d.Policy.Name
	}
	if d.Threat != nil {
		out.Threat = string(d.Threat.Type)
	}
	return out, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
