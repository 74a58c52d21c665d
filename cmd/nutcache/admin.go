package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/Keksclan/nutcache/admin"
	"github.com/Keksclan/nutcache/config"
	"github.com/Keksclan/nutcache/interceptors"
	"github.com/Keksclan/nutcache/internal/logging"
	"github.com/Keksclan/nutcache/tracing"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// withAdmin dials the admin API and runs fn with a deadline of --timeout.
func withAdmin(cmd *cobra.Command, fn func(ctx context.Context, c *admin.Client) error) error {
	addr := adminAddr
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		addr = cfg.Admin.Addr
	}
	level := logLevel
	if level == "" {
		level = "warn"
	}
	logger, err := logging.New(level, true)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cc, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithUnaryInterceptor(interceptors.ChainUnaryClient([]grpc.UnaryClientInterceptor{
			tracing.UnaryClientInterceptor(&tracing.Config{}),
			interceptors.LoggingUnaryClient(logger),
		})),
	)
	if err != nil {
		return err
	}
	defer cc.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, admin.NewClient(cc))
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "List edge partitions and their record counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, c *admin.Client) error {
				resp, err := c.GetCacheStats(ctx)
				if err != nil {
					return err
				}
				if len(resp.Partitions) == 0 {
					fmt.Println("No partitions")
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "PARTITION\tRECORDS")
				for _, p := range resp.Partitions {
					fmt.Fprintf(w, "%s\t%d\n", p.Name, p.Count)
				}
				return w.Flush()
			})
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [partition]",
		Short: "Delete one partition, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			return withAdmin(cmd, func(ctx context.Context, c *admin.Client) error {
				resp, err := c.ClearCache(ctx, name)
				if err != nil {
					return err
				}
				if resp.Name == "" {
					fmt.Println("Cleared all partitions")
				} else {
					fmt.Printf("Cleared %s\n", resp.Name)
				}
				return nil
			})
		},
	}
}

func preloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preload <url>...",
		Short: "Fetch URLs into the static partition",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, c *admin.Client) error {
				resp, err := c.PreloadResources(ctx, args...)
				if err != nil {
					return err
				}
				fmt.Printf("Preloaded %d resources\n", len(resp.URLs))
				return nil
			})
		},
	}
}

func skipWaitingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skip-waiting",
		Short: "Activate an installed worker immediately",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, c *admin.Client) error {
				resp, err := c.SkipWaiting(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Worker state: %s\n", resp.State)
				return nil
			})
		},
	}
}

func managerStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "manager-stats",
		Short: "Show cache manager statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(cmd, func(ctx context.Context, c *admin.Client) error {
				resp, err := c.GetManagerStats(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "Items:\t%d\n", resp.ItemCount)
				fmt.Fprintf(w, "Size:\t%d bytes\n", resp.TotalSize)
				fmt.Fprintf(w, "Hits:\t%d\n", resp.Hits)
				fmt.Fprintf(w, "Misses:\t%d\n", resp.Misses)
				fmt.Fprintf(w, "Hit rate:\t%.1f%%\n", resp.HitRate)
				fmt.Fprintf(w, "Evictions:\t%d\n", resp.Evictions)
				if !resp.LastCleanup.IsZero() {
					fmt.Fprintf(w, "Last cleanup:\t%s\n", resp.LastCleanup.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}
