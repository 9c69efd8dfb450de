// Package configcmder provides the config command for managing persistent
// sipfork configuration stored in the .sipfork/ directory.
package configcmder

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/sipfork/pkg/cliui"
	"github.com/papercomputeco/sipfork/pkg/config"
)

const configLongDesc string = `Manage persistent sipfork configuration.

Configuration is stored as config.toml in the .sipfork/ directory and provides
default values for command flags. CLI flags and SIPFORK_* environment
variables always take precedence over config file values.

Keys use dotted notation matching the TOML section structure:
  storage.driver, storage.sqlite_path, storage.postgres_dsn,
  router.fork_late, router.delivery_timeout, router.evict_after,
  router.sweep_interval, router.workers, router.queue_size,
  push.service, push.topic, push.call_interval, push.ringing_timeout,
  sip.topic, api.listen, client.api_target,
  eventstream.brokers, eventstream.topic, telemetry.otlp_endpoint

Use subcommands to get, set, or list configuration values:
  sipfork config set <key> <value>    Set a configuration value
  sipfork config get <key>            Get a configuration value
  sipfork config list                 List all configuration values

Examples:
  sipfork config set storage.driver postgres
  sipfork config set router.evict_after 1m
  sipfork config get router.fork_late
  sipfork config list`

const configShortDesc string = "Manage persistent sipfork configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}

// openConfiger resolves the config directory from the --config-dir flag.
func openConfiger(cmd *cobra.Command) (*config.Configer, error) {
	configDir, _ := cmd.Flags().GetString("config-dir")
	cfger, err := config.NewConfiger(configDir)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfger, nil
}

func checkKey(key string) error {
	if config.IsValidConfigKey(key) {
		return nil
	}
	return fmt.Errorf("unknown config key: %q\n\nValid keys: %s",
		key, strings.Join(config.ValidConfigKeys(), ", "))
}

func completeKeys(_ *cobra.Command, args []string, _ string) ([]string, cobra.ShellCompDirective) {
	if len(args) == 0 {
		return config.ValidConfigKeys(), cobra.ShellCompDirectiveNoFileComp
	}
	return nil, cobra.ShellCompDirectiveNoFileComp
}

func printSource(w io.Writer, target string) {
	if target == "" {
		fmt.Fprintf(w, "\n  %s\n\n", cliui.DimStyle.Render("No config file found, showing defaults."))
		return
	}
	fmt.Fprintf(w, "\n  %s %s\n\n", cliui.KeyStyle.Render("Config file:"), cliui.DimStyle.Render(target))
}
