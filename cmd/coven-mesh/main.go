// ABOUTME: Entry point for the coven-mesh CLI
// ABOUTME: Hosts the bridge server, a one-shot raise client, token minting and a local demo

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-mesh/internal/config"
	"github.com/2389/coven-mesh/internal/logging"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___   ___  ___| |__
 / __/ _ \ \ / / _ \ '_ \ _____| '_ ' _ \ / _ \/ __| '_ \
| (_| (_) \ V /  __/ | | |_____| | | | | |  __/\__ \ | | |
 \___\___/ \_/ \___|_| |_|     |_| |_| |_|\___||___/_| |_|
`

// cli holds state shared by every subcommand.
type cli struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "coven-mesh",
		Short:         "Intent messaging mesh and bridge",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			path := c.configPath
			if path == "" {
				path = config.DefaultPath()
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			c.configPath = path
			c.cfg = cfg
			c.logger = logging.New(cfg.Logging, cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "", "config file (default $COVEN_MESH_CONFIG or ~/.config/coven/mesh.yaml)")

	root.AddCommand(
		newServeCmd(c),
		newRaiseCmd(c),
		newTokenCmd(c),
		newDemoCmd(c),
	)
	return root
}

func printBanner() {
	color.New(color.FgCyan).Print(banner)
	color.New(color.FgHiBlack).Printf("    version: %s\n\n", version)
}

// statusLine prints one "▶ label: value" startup line.
func statusLine(label, value string) {
	color.New(color.FgGreen).Print("    ▶ ")
	fmt.Printf("%-10s %s\n", label+":", value)
}
