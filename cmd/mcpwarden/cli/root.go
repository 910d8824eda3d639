package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkingovr/mcpwarden/internal/config"
	"github.com/tkingovr/mcpwarden/internal/policy"
	"github.com/tkingovr/mcpwarden/internal/scanner"
	"github.com/tkingovr/mcpwarden/internal/security"
	"github.com/tkingovr/mcpwarden/internal/threat"
)

var (
	cfgFile string
	verbose bool
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mcpwarden",
	Short: "Security gatekeeper for MCP capability servers",
	Long: `mcpwarden connects to MCP capability servers on behalf of an agent and
authorizes every connection, tool call, prompt and resource read against
security policies, blocklists, rate limits and threat detection, with a
durable audit log of every decision.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger = newLogger(os.Stderr, verbose)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

// newLogger builds the JSON stderr logger. Threat escalations log at
// policy.LevelCritical, rendered as CRITICAL.
func newLogger(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey && len(groups) == 0 {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl >= policy.LevelCritical {
					a.Value = slog.StringValue("CRITICAL")
				}
			}
			return a
		},
	}))
}

func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// openSecurity builds the security manager described by cfg.
func openSecurity(cfg *config.Config) (*security.Manager, error) {
	opts := []security.Option{
		security.WithStore(cfg.Store),
		security.WithLogDir(cfg.LogDir),
		security.WithAuditCapacity(cfg.AuditBuffer),
		security.WithRateLimit(cfg.PolicyRateLimit),
		security.WithThresholds(cfg.Thresholds),
		security.WithThreatOptions(threat.Options{
			HistorySize: cfg.ThreatHistory,
			Indicators:  cfg.Indicators,
		}),
		security.WithScannerOptions(scanner.Options{}),
		security.WithPolicies(cfg.Policies...),
		security.WithSystemAgent(cfg.AgentID),
		security.WithLogger(logger),
	}
	if !cfg.ThreatEnabled {
		opts = append(opts, security.WithoutThreatDetection())
	}
	if !cfg.ScannerEnabled {
		opts = append(opts, security.WithoutScanner())
	}
	if cfg.RegoPolicy != "" {
		opts = append(opts, security.WithRegoPolicy(cfg.RegoPolicy))
	}
	sm, err := security.NewManager(cfg.ConfigDir, opts...)
	if err != nil {
		return nil, fmt.Errorf("opening security manager: %w", err)
	}
	return sm, nil
}
