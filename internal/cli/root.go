package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/openminer/minerd/internal/cli.version=1.2.3"
	version = "2.0.0"
	logo    = "\n" +
		"            _                    _\n" +
		"  _ __ ___ (_)_ __   ___ _ __ __| |\n" +
		" | '_ ` _ \\| | '_ \\ / _ \\ '__/ _` |\n" +
		" | | | | | | | | | |  __/ | | (_| |\n" +
		" |_| |_| |_|_|_| |_|\\___|_|  \\__,_|\n"
)

var rootCmd = &cobra.Command{
	Use:   "minerd",
	Short: "minerd - Playbook-driven AI miner",
	Long:  color.CyanString(logo) + "\nAn AI task miner that learns user preferences from feedback.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configureCmd)
}

func printHeader(title string) {
	fmt.Println(color.CyanString(logo))
	if title != "" {
		fmt.Println(title)
		fmt.Println("─────────────────────")
	}
}
