package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	configPath string
	adminAddr  string
	logLevel   string
	timeout    time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nutcache",
		Short: "Offline-first storefront cache",
		Long:  "nutcache fronts a storefront origin with versioned response partitions and exposes an admin API for inspecting and clearing them.",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("NUTCACHE_CONFIG"), "YAML config file")
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin", "", "Admin gRPC address (defaults to admin.addr from config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "Admin call timeout")

	rootCmd.AddCommand(
		serveCmd(),
		statsCmd(),
		clearCmd(),
		preloadCmd(),
		skipWaitingCmd(),
		managerStatsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
