// Command swarmdnsd runs a standalone peer-discovery daemon: it loads
// a swarmdns.toml config, starts the Dispatcher, and optionally serves
// Prometheus metrics and a local status API.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/meshdisco/swarmdns/internal/config"
	"github.com/meshdisco/swarmdns/internal/ctlapi"
	"github.com/meshdisco/swarmdns/internal/dispatcher"
	"github.com/meshdisco/swarmdns/internal/domain"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "swarmdnsd",
	Short: "Peer discovery over multicast DNS",
	Long:  `swarmdnsd discovers peers in a local IP swarm using an adaptive mDNS query/response scheduler.`,
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)

	startCmd.Flags().StringP("config", "c", "swarmdns.toml", "path to config file")
	startCmd.Flags().Bool("verbose", false, "enable debug logging")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Fprintf(os.Stdout, "swarmdnsd %s (%s)\n", version, commit)
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the discovery daemon",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	log := newLogger(verbose)

	cfg, file, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	log = log.With("peer_id", cfg.PeerID, "service", cfg.ServiceName)

	onDiscovery := func(ev domain.DiscoveryEvent) {
		log.Info("discovery event", "kind", ev.Kind.String(), "peer_id", ev.PeerID, "addrs", addrStrings(ev.Addrs))
	}

	d, err := dispatcher.New(cfg, onDiscovery, dispatcher.WithLogger(log))
	if err != nil {
		return fmt.Errorf("construct dispatcher: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if file.Metrics.Enabled || file.ControlAPI.Enabled {
		srv := ctlapi.NewServer(d)
		if file.Metrics.Enabled {
			srv.EnableMetrics()
		}
		addr := file.ControlAPI.Addr
		if addr == "" {
			addr = file.Metrics.Addr
		}
		go func() {
			log.Info("control API listening", "addr", addr)
			if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
				log.Error("control API stopped", "err", err)
			}
		}()
	}

	log.Info("starting discovery")
	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	log.Info("discovery stopped")
	return nil
}

func addrStrings(addrs []net.IP) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: level,
	}))
}
