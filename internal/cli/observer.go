package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/amialive/amialive/internal/config"
	"github.com/amialive/amialive/internal/feed"
	"github.com/amialive/amialive/internal/observer"
	"github.com/amialive/amialive/internal/store"
)

var observerCmd = &cobra.Command{
	Use:   "observer",
	Short: "Run the observer: public API, voting, and life/death control",
	RunE:  runObserver,
}

func runObserver(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateObserver(); err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	st, err := store.Open(cfg.Paths.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	var mirror observer.ActivityMirror
	if km := observer.NewKafkaMirror(cfg.Kafka); km != nil {
		defer km.Close()
		mirror = km
		slog.Info("kafka activity mirror enabled", "component", "observer", "topic", cfg.Kafka.Topic)
	}

	agentClient := observer.NewAgentClient(cfg.Observer.AgentURL, cfg.Observer.InternalAPIKey)
	svc, err := observer.NewService(cfg, st, feed.New(), agentClient, mirror)
	if err != nil {
		return err
	}
	server, err := observer.NewServer(cfg, svc)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Startup(ctx); err != nil {
		return err
	}
	go svc.RunLoops(ctx)

	return server.Run(ctx)
}
