package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openminer/minerd/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("minerd Version")
		fmt.Printf("Version: %s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration status",
	Run: func(cmd *cobra.Command, args []string) {
		printHeader("minerd Status")
		fmt.Printf("Version: %s\n", version)

		path, err := config.ConfigPath()
		if err != nil {
			fmt.Printf("Config:  ? unable to resolve path: %v\n", err)
			return
		}
		if _, err := os.Stat(path); err == nil {
			fmt.Println("Config:  found (" + path + ")")
		} else {
			fmt.Println("Config:  not found (run 'minerd configure' first)")
		}

		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("Config load failed: %v\n", err)
			return
		}
		if cfg.Provider.APIKey != "" {
			fmt.Println("API Key: found")
		} else {
			fmt.Println("API Key: not found")
		}
		fmt.Printf("Model:   %s\n", cfg.Provider.Model)
		fmt.Printf("DB:      %s\n", cfg.Playbook.DBPath)
		if cfg.Audit.Enabled {
			fmt.Printf("Audit:   kafka enabled (%s -> %s)\n", cfg.Audit.Brokers, cfg.Audit.Topic)
		} else {
			fmt.Println("Audit:   disabled")
		}
	},
}
