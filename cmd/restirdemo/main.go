// Command restirdemo renders a procedural room with world-space ReSTIR GI
// on the CPU backend.
//
// Usage:
//
//	restirdemo run --frames 32 --output room.png
//	restirdemo serve --config restir.yaml
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/gogpu/restir"
	"github.com/gogpu/restir/internal/config"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "restirdemo",
		Short:         "World-space ReSTIR GI demo",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	root.AddCommand(newRunCmd(), newServeCmd())
	return root
}

// loadConfig reads the configuration file, or the defaults when none was
// given, and installs the logger.
func loadConfig() (config.Config, error) {
	c := config.Default()
	if configPath != "" {
		var err error
		if c, err = config.Load(configPath); err != nil {
			return config.Config{}, err
		}
	}
	restir.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.Level()})))
	return c, nil
}
