package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/kiln/internal/daemon"
	"github.com/kilnlabs/kiln/internal/domain"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveHome, "home", "", "Kiln data directory (overrides KILN_HOME)")
	serveCmd.Flags().BoolVar(&serveMetrics, "metrics", false, "Expose Prometheus metrics on /metrics")
	serveCmd.Flags().StringSliceVar(&serveWarm, "warm", nil,
		"Model ids to warm before serving: their floor is raised to at least one instance and startup blocks until it is idle")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost    string
	servePort    int
	serveHome    string
	serveMetrics bool
	serveWarm    []string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Kiln API server",
	Long:  `Start the OpenAI-compatible API server and prepare configured model floors.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	if serveHome != "" {
		os.Setenv("KILN_HOME", serveHome)
	}

	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveMetrics {
		cfg.API.Metrics = true
	}

	// --warm promotes models to a blocking floor for this run: the
	// server only starts answering once their instances are idle.
	for _, id := range serveWarm {
		m, ok := cfg.Models[id]
		if !ok {
			return fmt.Errorf("--warm: model %q is not configured (have: %s)",
				id, strings.Join(modelIDs(cfg), ", "))
		}
		if m.MinInstances < 1 {
			m.MinInstances = 1
		}
		if m.MaxInstances < m.MinInstances {
			m.MaxInstances = m.MinInstances
		}
		m.Prepare = string(domain.PrepareBlocking)
		cfg.Models[id] = m
	}

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return err
	}
	return d.Serve(context.Background())
}

func modelIDs(cfg daemon.Config) []string {
	ids := make([]string, 0, len(cfg.Models))
	for id := range cfg.Models {
		ids = append(ids, id)
	}
	return ids
}
