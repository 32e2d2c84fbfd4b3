// Package cli implements the sentinel command line: the daemon entry point and
// operator commands that talk to it over the bridge socket or the HTTP API.
package cli

import (
	"context"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/phoenixguard/sentinel/internal/client"
)

func NewRoot(version string) *cobra.Command {
	cfg := &clientConfig{}
	cmd := &cobra.Command{
		Use:           "sentinel",
		Short:         "sentinel: firmware interception and deception engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.Version = version
	cmd.SetVersionTemplate("sentinel {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&cfg.socketPath, "socket", getenvDefault("SENTINEL_BRIDGE_SOCKET", "/var/lib/sentinel/bridge.sock"), "Bridge socket path")
	cmd.PersistentFlags().StringVar(&cfg.serverAddr, "server", getenvDefault("SENTINEL_SERVER", "http://127.0.0.1:7878"), "Daemon HTTP API base URL (unix:///path for a socket)")
	cmd.PersistentFlags().StringVar(&cfg.apiKey, "api-key", getenvDefault("SENTINEL_API_KEY", ""), "API key (sent as X-API-Key)")
	cmd.PersistentFlags().DurationVar(&cfg.timeout, "timeout", 10*time.Second, "Request timeout")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newDecoyCmd())
	cmd.AddCommand(newFlashCmd())
	cmd.AddCommand(newModeCmd())
	cmd.AddCommand(newResetCmd())
	cmd.AddCommand(newReportCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newIncidentsCmd())
	cmd.AddCommand(newReloadCmd())
	cmd.AddCommand(newSimulateCmd())
	cmd.AddCommand(newAuditCmd())

	return cmd
}

type clientConfig struct {
	socketPath string
	serverAddr string
	apiKey     string
	timeout    time.Duration
}

func getClientConfig(cmd *cobra.Command) *clientConfig {
	flags := cmd.Root().PersistentFlags()
	socketPath, _ := flags.GetString("socket")
	serverAddr, _ := flags.GetString("server")
	apiKey, _ := flags.GetString("api-key")
	timeout, _ := flags.GetDuration("timeout")
	if serverAddr == "" {
		serverAddr = "http://127.0.0.1:7878"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &clientConfig{socketPath: socketPath, serverAddr: serverAddr, apiKey: apiKey, timeout: timeout}
}

func (c *clientConfig) api() *client.Client {
	return client.New(c.serverAddr, c.apiKey)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
