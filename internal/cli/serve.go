package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openminer/minerd/internal/audit"
	"github.com/openminer/minerd/internal/components"
	"github.com/openminer/minerd/internal/config"
	"github.com/openminer/minerd/internal/conversation"
	"github.com/openminer/minerd/internal/executor"
	"github.com/openminer/minerd/internal/gateway"
	"github.com/openminer/minerd/internal/playbook"
	"github.com/openminer/minerd/internal/provider"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the miner HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	printHeader("minerd Server")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	p := provider.NewOpenAIProvider(cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Provider.Model, cfg.Provider.ProviderTimeout())

	store, err := playbook.NewStore(cfg.Playbook.DBPath, cfg.Playbook.MaxEntries)
	if err != nil {
		return fmt.Errorf("open playbook store: %w", err)
	}
	defer store.Close()

	convs, err := conversation.NewStore(store.DB(), cfg.Conversation.MaxMessages, cfg.Conversation.RetentionDays)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}

	var publisher playbook.EventPublisher
	if cfg.Audit.Enabled {
		brokers := strings.Split(cfg.Audit.Brokers, ",")
		kafkaPub := audit.NewPublisher(brokers, cfg.Audit.Topic)
		defer kafkaPub.Close()
		publisher = kafkaPub
		slog.Info("audit publisher enabled", "brokers", cfg.Audit.Brokers, "topic", cfg.Audit.Topic)
	}

	extractor := playbook.NewExtractor(store, p)
	applier := playbook.NewApplier(store, publisher)
	comps := components.NewService(p, store, extractor, applier, convs)
	exec := executor.New(p, cfg.Executor.MaxIterations, cfg.Executor.MaxDepth)

	srv := gateway.NewServer(gateway.Options{
		MinerName: cfg.Server.MinerName,
		AuthToken: cfg.Server.AuthToken,
		ModelName: cfg.Provider.Model,
	}, p, exec, comps, store, convs, extractor, applier)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := gateway.Addr(cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("Listening on %s\n", addr)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	slog.Info("server stopped")
	return nil
}
