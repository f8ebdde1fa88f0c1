package main

import (
	"fmt"
	"os"

	"github.com/danmuck/h9ctl/internal/logging"
	"github.com/danmuck/h9ctl/internal/service"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func main() {
	logging.ConfigureRuntime()
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "h9ctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "h9ctl",
		Short:         "Control an H9 effects pedal over MIDI",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("H9CTL_CONFIG"), "path to an h9ctl TOML config")

	load := func() (service.Config, error) {
		return loadConfigOrDefault(configPath)
	}
	root.AddCommand(newRunCommand(load))
	root.AddCommand(newPortsCommand())
	root.AddCommand(newDumpCommand(load))
	root.AddCommand(newTempoCommand(load))
	return root
}
