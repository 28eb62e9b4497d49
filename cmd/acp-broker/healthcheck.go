package acpbroker

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/workspace/acp-broker/internal/config"
)

func newHealthcheckCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Probe a running broker's /health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := url
			if target == "" {
				target = defaultHealthURL()
			}
			return runHealthcheck(target)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "health endpoint to probe (default derived from --config / env)")
	return cmd
}

func defaultHealthURL() string {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Sprintf("http://127.0.0.1:%d/health", 8787)
	}
	host := cfg.BindHost
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d/health", host, cfg.Port)
}

func runHealthcheck(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("healthcheck: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck: unhealthy status %d", resp.StatusCode)
	}
	return nil
}
