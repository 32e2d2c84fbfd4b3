package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/phoenixguard/sentinel/internal/config"
	"github.com/phoenixguard/sentinel/internal/server"
)

func defaultConfigPath() string {
	if v := os.Getenv("SENTINEL_CONFIG"); v != "" {
		return v
	}
	for _, p := range []string{"sentinel.yaml", "sentinel.yml", "/etc/sentinel/sentinel.yaml", "/etc/sentinel/sentinel.yml"} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// loadLocalConfig loads path, the first default location that exists, or the
// built-in defaults. It returns the path actually used ("" for defaults).
func loadLocalConfig(path string) (*config.Config, string, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	if path == "" {
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		noWatch    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sentinel daemon",
		Long: `Run the sentinel daemon: the interception gateway, the OS bridge transports,
event persistence and the HTTP status API.

The config file is watched and its mode, log level and trusted callers are
applied without a restart. SIGHUP forces a re-read.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadLocalConfig(configPath)
			if err != nil {
				return err
			}
			var opts []server.Option
			if path != "" && !noWatch {
				opts = append(opts, server.WithConfigPath(path))
			}

			s, err := server.New(cfg, opts...)
			if err != nil {
				return err
			}
			defer s.Close()

			if addr := s.HTTPAddr(); addr != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "sentinel API listening on %s\n", addr)
			}
			return s.Run(commandContext(cmd))
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "Path to config YAML (default: ./sentinel.yaml or /etc/sentinel/sentinel.yaml)")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch the config file for changes")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(newConfigShowCmd())
	return cmd
}

func newConfigShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Validate the config and print it with defaults applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadLocalConfig(configPath)
			if err != nil {
				return err
			}
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			if path == "" {
				path = "built-in defaults"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "# source: %s\n%s", path, b)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to config YAML")
	return cmd
}
