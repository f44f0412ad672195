package main

import (
	"github.com/spf13/cobra"

	"terasu-mitm/internal/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	dir        string
}

// load reads the configuration and applies command-line overrides.
func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.dir != "" {
		cfg.Keystore.Dir = g.dir
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "terasu-mitm",
		Short: "Intercepting HTTPS proxy with a persistent impersonation keystore",
		Long: `terasu-mitm intercepts HTTPS through CONNECT, answering each host with a
certificate signed by its own root. The root, every issued certificate and the
key mappings live in a keystore directory and survive restarts.

Configuration is read from a YAML or TOML file (--config) and TERASU_MITM_*
environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "path to YAML or TOML config file")
	root.PersistentFlags().StringVar(&g.dir, "dir", "", "keystore directory (overrides keystore.dir)")

	root.AddCommand(
		newServeCmd(g),
		newCACmd(g),
		newHostsCmd(g),
		newIssueCmd(g),
	)
	return root
}
