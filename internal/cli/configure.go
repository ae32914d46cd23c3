package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openminer/minerd/internal/config"
)

var configureAPIKey string
var configureAPIBase string
var configureModel string
var configureAuthToken string
var configurePort int
var configureMaxEntries int
var configureAuditBrokers string
var configureAuditTopic string

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Update configuration from flags",
	RunE:  runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&configureAPIKey, "api-key", "", "Set provider.apiKey")
	configureCmd.Flags().StringVar(&configureAPIBase, "api-base", "", "Set provider.apiBase (OpenAI-compatible endpoint)")
	configureCmd.Flags().StringVar(&configureModel, "model", "", "Set provider.model")
	configureCmd.Flags().StringVar(&configureAuthToken, "auth-token", "", "Set server.authToken (empty disables auth)")
	configureCmd.Flags().IntVar(&configurePort, "port", 0, "Set server.port")
	configureCmd.Flags().IntVar(&configureMaxEntries, "playbook-max-entries", 0, "Set playbook.maxEntries")
	configureCmd.Flags().StringVar(&configureAuditBrokers, "audit-brokers", "", "Set audit.brokers (comma-separated host:port, enables audit)")
	configureCmd.Flags().StringVar(&configureAuditTopic, "audit-topic", "", "Set audit.topic")
}

func runConfigure(cmd *cobra.Command, args []string) error {
	printHeader("minerd Configure")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if configureAPIKey != "" {
		cfg.Provider.APIKey = configureAPIKey
	}
	if configureAPIBase != "" {
		cfg.Provider.APIBase = configureAPIBase
	}
	if configureModel != "" {
		cfg.Provider.Model = configureModel
	}
	if cmd.Flags().Changed("auth-token") {
		cfg.Server.AuthToken = configureAuthToken
	}
	if configurePort > 0 {
		cfg.Server.Port = configurePort
	}
	if configureMaxEntries > 0 {
		cfg.Playbook.MaxEntries = configureMaxEntries
	}
	if configureAuditBrokers != "" {
		cfg.Audit.Brokers = strings.TrimSpace(configureAuditBrokers)
		cfg.Audit.Enabled = true
	}
	if configureAuditTopic != "" {
		cfg.Audit.Topic = configureAuditTopic
	}

	path, err := config.ConfigPath()
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := config.Save(cfg, path); err != nil {
		return err
	}
	fmt.Printf("Saved %s\n", path)
	return nil
}
