package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fabstir/llm-core/core"
	"github.com/fabstir/llm-core/pkg/config"
)

var (
	discoverLogger = logrus.New()
	discoverOnce   sync.Once
	hostDiscovery  *core.HostDiscovery
	hostSelector   *core.HostSelector
)

func discoverMiddleware(cmd *cobra.Command, _ []string) error {
	discoverOnce.Do(func() {
		_ = godotenv.Load()
		cfg, err := config.LoadFromEnv()
		if err != nil {
			discoverLogger.Warnf("discover: no config file found, using defaults: %v", err)
			cfg = &config.AppConfig
		}
		registry := core.NewHTTPRegistrySource(cfg.Network.RegistryURL, &http.Client{Timeout: 5 * time.Second}, discoverLogger)
		bootstrap := core.NewBootstrapSource(nil)
		hostDiscovery = core.NewHostDiscovery([]core.HostSource{registry, bootstrap}, discoverLogger)
		hostDiscovery.SetCacheTTL(time.Duration(cfg.Network.DiscoveryCacheTTL) * time.Second)
		hostSelector = core.NewHostSelector()
	})
	return nil
}

var discoverCmd = &cobra.Command{
	Use:               "discover",
	Short:             "Discover and rank inference hosts",
	PersistentPreRunE: discoverMiddleware,
}

var (
	discoverModel      string
	discoverMaxPrice   float64
	discoverMaxLatency float64
	discoverRefresh    bool
)

var discoverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List hosts currently known across every discovery source",
	RunE: func(cmd *cobra.Command, args []string) error {
		var filter *core.HostFilter
		if discoverModel != "" || discoverMaxPrice > 0 || discoverMaxLatency > 0 {
			filter = &core.HostFilter{MaxPrice: discoverMaxPrice, MaxLatencyMs: discoverMaxLatency}
			if discoverModel != "" {
				filter.Models = []string{discoverModel}
			}
		}
		hosts, err := hostDiscovery.DiscoverAll(cmd.Context(), filter, discoverRefresh)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(hosts)
	},
}

var discoverRankCmd = &cobra.Command{
	Use:   "rank",
	Short: "Discover then rank hosts by price/latency/reliability",
	RunE: func(cmd *cobra.Command, args []string) error {
		hosts, err := hostDiscovery.DiscoverAll(cmd.Context(), nil, discoverRefresh)
		if err != nil {
			return err
		}
		ranked := hostSelector.RankHosts(hosts, core.RankWeights{Price: 1, Latency: 1, Reliability: 1})
		for _, r := range ranked {
			fmt.Printf("%-40s score=%.4f  %v\n", r.Host.ID, r.Score, r.Breakdown)
		}
		return nil
	},
}

var discoverStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-source discovery statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(hostDiscovery.Statistics())
	},
}

func init() {
	for _, c := range []*cobra.Command{discoverListCmd, discoverRankCmd} {
		c.Flags().StringVar(&discoverModel, "model", "", "required model name")
		c.Flags().Float64Var(&discoverMaxPrice, "max-price", 0, "maximum price per token")
		c.Flags().Float64Var(&discoverMaxLatency, "max-latency-ms", 0, "maximum acceptable latency in milliseconds")
		c.Flags().BoolVar(&discoverRefresh, "refresh", false, "bypass the discovery cache")
	}
	discoverCmd.AddCommand(discoverListCmd, discoverRankCmd, discoverStatsCmd)
}
