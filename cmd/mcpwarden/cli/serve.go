package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tkingovr/mcpwarden/internal/config"
	"github.com/tkingovr/mcpwarden/internal/connection"
	"github.com/tkingovr/mcpwarden/internal/ratelimit"
	"github.com/tkingovr/mcpwarden/internal/security"
	"github.com/tkingovr/mcpwarden/internal/transport"
	"github.com/tkingovr/mcpwarden/internal/transport/mcpgo"
	"github.com/tkingovr/mcpwarden/internal/transport/stdio"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect to every configured server and keep the sessions healthy",
	Long: `Register every server in the config file behind the policy engine,
cache their capabilities and keep the sessions under health checks until
interrupted. Connection events are logged.`,
	Example: `  mcpwarden serve -c mcpwarden.yaml`,
	RunE:    runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("--config/-c is required for serve command")
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

	cm, err := newConnectionManager(cfg, sm)
	if err != nil {
		return err
	}
	defer cm.Close()

	// Registration denials leave no record behind; their reason arrives on
	// the final state change, delivered before RegisterServer returns.
	var (
		mu      sync.Mutex
		reasons = make(map[string]error)
	)
	cm.Subscribe(func(_ context.Context, ev connection.Event) error {
		if ev.To == connection.StateDisconnected && ev.Err != nil {
			mu.Lock()
			reasons[ev.Server] = ev.Err
			mu.Unlock()
		}
		return nil
	}, connection.EventStateChanged)

	cm.Subscribe(func(_ context.Context, ev connection.Event) error {
		attrs := []any{"event", ev.Type, "server", ev.Server}
		if ev.Capability != nil {
			attrs = append(attrs, "kind", ev.Capability.Kind(), "capability", ev.Capability.Name())
		}
		if ev.Type == connection.EventStateChanged {
			attrs = append(attrs, "from", ev.From, "to", ev.To)
		}
		logger.Debug("connection event", attrs...)
		return nil
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	connected := 0
	for _, sc := range cfg.Servers {
		ok, err := cm.RegisterServer(ctx, sc)
		switch {
		case err != nil:
			logger.Error("server registration failed", "server", sc.Name, "error", err)
		case !ok:
			mu.Lock()
			reason := reasons[sc.Name]
			mu.Unlock()
			logger.Warn("server registration denied", "server", sc.Name, "reason", reason)
		default:
			connected++
		}
	}
	logger.Info("serving",
		"agent", cfg.AgentID,
		"servers", len(cfg.Servers),
		"connected", connected,
		"capabilities", len(cm.ListCapabilities(connection.Filter{})),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func newConnectionManager(cfg *config.Config, sm *security.Manager) (*connection.Manager, error) {
	var dialer transport.Dialer
	switch cfg.Transport {
	case config.TransportMCPGo:
		dialer = mcpgo.NewDialer(logger.With("component", "transport"))
	default:
		dialer = stdio.NewDialer(logger.With("component", "transport"))
	}
	return connection.New(connection.Options{
		AgentID:               cfg.AgentID,
		Gatekeeper:            sm.Engine(),
		Scanner:               sm,
		Dialer:                dialer,
		Limiter:               ratelimit.New(cfg.RateLimit, nil),
		BackoffBase:           cfg.BackoffBase,
		ProbeFailureThreshold: cfg.ProbeFailureThreshold,
		Logger:                logger.With("component", "connection"),
	})
}
