// Command server runs one votecast cluster node: UDP multicast discovery,
// Hirschberg-Sinclair ring election, heartbeat failure detection, leader
// replication, FO-multicast vote delivery, and the leader-only client
// front-end, all wired by internal/server. Uses an env-driven startup and
// signal.NotifyContext shutdown behind a cobra root command.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fistfight/votecast/internal/config"
	"github.com/fistfight/votecast/internal/metrics"
	"github.com/fistfight/votecast/internal/nodeid"
	"github.com/fistfight/votecast/internal/server"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		log.WithError(err).Error("server exited with error")
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		host          string
		clusterFile   string
		metricsAddr   string
		discInterval  string
		discTimeout   string
		hbInterval    string
		hbTimeout     string
		electionTmout string
		replTimeout   string
		foRetransmit  string
		bufSize       int
		mcastAddr     string
		mcastTTL      int
	)

	cmd := &cobra.Command{
		Use:   "server <port>",
		Short: "Run a votecast cluster node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[0], err)
			}

			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			if err := applyFlagOverrides(&cfg, cmd, discInterval, discTimeout, hbInterval, hbTimeout, electionTmout, replTimeout, foRetransmit, bufSize, mcastAddr, mcastTTL); err != nil {
				return err
			}

			var seed []nodeid.ID
			if clusterFile != "" {
				cf, err := config.LoadClusterFile(clusterFile)
				if err != nil {
					return err
				}
				for _, addr := range cf.Peers {
					id, err := nodeid.Parse(addr)
					if err != nil {
						return fmt.Errorf("cluster file: invalid peer %q: %w", addr, err)
					}
					seed = append(seed, id)
				}
			}

			self := nodeid.ID{Host: host, Port: port}
			reg := metrics.New()
			entry := log.NewEntry(log.StandardLogger())

			srv, err := server.New(self, cfg, seed, reg, entry)
			if err != nil {
				return fmt.Errorf("startup failed: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			httpSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux(reg)}
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					entry.WithError(err).Warn("metrics server stopped")
				}
			}()

			entry.WithField("port", port).Info("votecast server starting")
			err = srv.Run(ctx)
			_ = httpSrv.Close()
			return err
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "address advertised as this node's NodeId host; must be reachable by peers")
	cmd.Flags().StringVar(&clusterFile, "cluster-file", "", "optional YAML file of static bootstrap peers")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address to serve /metrics on")
	cmd.Flags().StringVar(&discInterval, "discovery-interval", "", "override DISCOVERY_INTERVAL")
	cmd.Flags().StringVar(&discTimeout, "discovery-timeout", "", "override DISCOVERY_TIMEOUT")
	cmd.Flags().StringVar(&hbInterval, "hb-interval", "", "override HB_INTERVAL")
	cmd.Flags().StringVar(&hbTimeout, "hb-timeout", "", "override HB_TIMEOUT")
	cmd.Flags().StringVar(&electionTmout, "election-timeout", "", "override ELECTION_TIMEOUT")
	cmd.Flags().StringVar(&replTimeout, "repl-timeout", "", "override REPL_TIMEOUT")
	cmd.Flags().StringVar(&foRetransmit, "fo-retransmit", "", "override FO_RETRANSMIT")
	cmd.Flags().IntVar(&bufSize, "buf", 0, "override BUF (datagram buffer size)")
	cmd.Flags().StringVar(&mcastAddr, "multicast-addr", "", "override MULTICAST_ADDR")
	cmd.Flags().IntVar(&mcastTTL, "multicast-ttl", 0, "override MULTICAST_TTL")

	return cmd
}

func metricsMux(reg *metrics.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	return mux
}

// applyFlagOverrides layers explicit flags on top of the FromEnv config;
// a flag wins over the environment since it's the more specific source.
func applyFlagOverrides(cfg *config.Config, cmd *cobra.Command, discInterval, discTimeout, hbInterval, hbTimeout, electionTimeout, replTimeout, foRetransmit string, bufSize int, mcastAddr string, mcastTTL int) error {
	durations := []struct {
		flag string
		raw  string
		dst  *time.Duration
	}{
		{"discovery-interval", discInterval, &cfg.DiscoveryInterval},
		{"discovery-timeout", discTimeout, &cfg.DiscoveryTimeout},
		{"hb-interval", hbInterval, &cfg.HBInterval},
		{"hb-timeout", hbTimeout, &cfg.HBTimeout},
		{"election-timeout", electionTimeout, &cfg.ElectionTimeout},
		{"repl-timeout", replTimeout, &cfg.ReplTimeout},
		{"fo-retransmit", foRetransmit, &cfg.FORetransmit},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("--%s: %w", d.flag, err)
		}
		*d.dst = parsed
	}

	if cmd.Flags().Changed("buf") {
		cfg.BufSize = bufSize
	}
	if mcastAddr != "" {
		cfg.MulticastAddr = mcastAddr
	}
	if cmd.Flags().Changed("multicast-ttl") {
		cfg.MulticastTTL = mcastTTL
	}
	return nil
}
