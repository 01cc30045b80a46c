// Command lvrouted is a link-state mesh routing daemon for the 172.16/12
// community mesh address space. It discovers directly-attached neighbors,
// exchanges signed spanning trees over a broadcast UDP socket, merges them
// into a routing table, and reconciles that table against the kernel.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lvoege/lvrouted/internal/config"
	"github.com/lvoege/lvrouted/internal/driver"
	"github.com/lvoege/lvrouted/internal/tree"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "lvrouted",
	Short: "Link-state mesh routing daemon",
	Long: `lvrouted discovers neighbors on directly-attached interlink subnets,
exchanges signed spanning trees over a broadcast UDP socket, merges them
into a routing table, and reconciles that table against the kernel.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", config.DefaultConfigPath, "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(routesCmd)
	rootCmd.AddCommand(versionCmd)
}

// runCmd is the default production mode: a foreground daemon that runs
// until terminated.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(globalConfigPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		d, err := driver.New(cfg, globalLogger)
		if err != nil {
			return fmt.Errorf("starting driver: %w", err)
		}
		defer d.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		globalLogger.Info("lvrouted starting", "version", version, "config", globalConfigPath)
		err = d.Run(ctx)
		if err != nil && ctx.Err() == nil {
			return fmt.Errorf("daemon exited: %w", err)
		}
		return nil
	},
}

// routesCmd discovers neighbors, performs one merge pass, and prints the
// derived tree and routing table without committing anything. It runs in
// its own fresh process, which has received no neighbor trees, so the merge
// sees none; it does not read the state of a running daemon.
var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the derived routing table without committing it",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(globalConfigPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg.RealRouteUpdates = false

		d, err := driver.New(cfg, globalLogger)
		if err != nil {
			return fmt.Errorf("discovering topology: %w", err)
		}
		defer d.Close()

		routes, children, err := d.DeriveRoutes()
		if err != nil {
			return err
		}

		fmt.Println("Advertised tree:")
		if err := tree.Dump(os.Stdout, children); err != nil {
			return err
		}
		fmt.Print(routes.String())
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the lvrouted version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
