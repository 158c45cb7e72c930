package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amialive/amialive/internal/agent"
	"github.com/amialive/amialive/internal/channels"
	"github.com/amialive/amialive/internal/config"
	"github.com/amialive/amialive/internal/ledger"
	"github.com/amialive/amialive/internal/provider"
	"github.com/amialive/amialive/internal/proxy"
	"github.com/amialive/amialive/internal/redact"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the agent: the think-act loop and its loopback API",
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateAgent(); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	led, err := ledger.Open(cfg.Paths.Credits, cfg.Budget.MonthlyUSD)
	if err != nil {
		return err
	}

	// The gateway client, the observer client and action HTTP calls go
	// through the redaction proxy transport. The Slack channel uses its own
	// HTTP client and does not pass through the proxy.
	vault := redact.NewVault(cfg.Paths.Vault)
	transport := proxy.NewTransport(nil, vault, func(e proxy.TrafficEntry) {
		slog.Debug("outbound", "component", "proxy", "method", e.Method, "url", e.URL,
			"status", e.Status, "redacted", e.Redacted)
	})
	proxiedClient := &http.Client{Transport: transport, Timeout: 30 * time.Second}

	catalog := provider.DefaultCatalog()
	prov := provider.NewOpenRouterProvider(cfg.Agent.GatewayKey, cfg.Agent.GatewayBase, catalog.Cheapest().ID, transport)

	var channel channels.Channel
	if cfg.Channels.Slack.Enabled {
		channel = channels.NewSlackChannel(cfg.Channels.Slack)
	}

	a, err := agent.New(agent.Options{
		Config:     cfg.Agent,
		Ledger:     led,
		Provider:   prov,
		Catalog:    catalog,
		Rotator:    provider.NewRotator(catalog, nil),
		Observer:   agent.NewObserverClient(cfg.Agent.ObserverURL, cfg.Agent.InternalAPIKey, transport),
		Channel:    channel,
		Workspace:  cfg.Paths.Workspace,
		HTTPClient: proxiedClient,
	})
	if err != nil {
		return err
	}
	server := agent.NewServer(a, cfg.Agent.ListenAddr, cfg.Agent.InternalAPIKey)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- server.Run(ctx) }()
	go func() { errCh <- a.Run(ctx) }()

	err = <-errCh
	stop()
	if err != nil && ctx.Err() == nil {
		// A real failure (e.g. ledger write): exit non-zero and let the
		// supervisor restart us. The ledger survives; the observer treats
		// the gap as a sync event, not a death.
		slog.Error("agent failed", "component", "agent", "error", err)
		return err
	}
	return nil
}
