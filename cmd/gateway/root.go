package main

import (
	"admission-gateway/internal/config"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	v       = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Admission-control gateway: per-client rate limiting and latency-tiered streams",
	Long: `gateway rejects or throttles abusive clients (token bucket + minute/hour
sliding windows) and routes admitted queries onto per-session bounded streams,
picking a processing lane by query complexity.

Configuration comes from defaults, an optional YAML file (--config) and
GATEWAY_* environment variables (e.g. GATEWAY_RATE_BURST_CAPACITY=20).`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, console)")
	_ = v.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = v.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))

	rootCmd.AddCommand(serveCmd, versionCmd)
}
