// aureactl is the operator CLI. It speaks to the API server's admin
// surface; it never touches Postgres or Redis directly.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

type cliConfig struct {
	APIURL string `toml:"api_url"`
	APIKey string `toml:"api_key"`
}

var (
	flagAPIURL     string
	flagAPIKey     string
	flagConfigPath string
)

func main() {
	root := &cobra.Command{
		Use:           "aureactl",
		Short:         "Operate the AUREA orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAPIURL, "api", "", "API base URL (overrides config file)")
	root.PersistentFlags().StringVar(&flagAPIKey, "key", "", "API key (overrides config file)")
	root.PersistentFlags().StringVar(&flagConfigPath, "config", "", "path to config file")

	root.AddCommand(newTaskCmd(), newDLQCmd(), newAPIKeyCmd())
	root.AddCommand(newInspectCmds()...)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadClient resolves connection settings in order: flags, environment,
// config file.
func loadClient() (*client, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}

	apiURL := firstNonEmpty(flagAPIURL, os.Getenv("AUREA_API_URL"), cfg.APIURL, "http://localhost:8000")
	apiKey := firstNonEmpty(flagAPIKey, os.Getenv("AUREA_API_KEY"), cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("no API key: set --key, AUREA_API_KEY, or api_key in the config file")
	}
	return newClient(apiURL, apiKey), nil
}

func readConfigFile() (cliConfig, error) {
	var cfg cliConfig

	path := flagConfigPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, nil
		}
		path = filepath.Join(home, ".config", "aurea", "config.toml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && flagConfigPath == "" {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
