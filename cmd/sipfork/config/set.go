package configcmder

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/sipfork/pkg/cliui"
)

const setLongDesc string = `Set a configuration value.

Writes the key to config.toml in the .sipfork/ directory, creating the
file when needed. A running instance picks the change up on restart.

Values are checked before they are written: durations use Go syntax
("45s", "2m"), storage.driver is one of inmemory, sqlite, postgres and
push.service is one of log, kafka. eventstream.brokers takes a comma
separated list.

Examples:
  sipfork config set storage.driver postgres
  sipfork config set storage.postgres_dsn postgres://localhost/sipfork
  sipfork config set router.evict_after 1m
  sipfork config set push.ringing_timeout 30s
  sipfork config set eventstream.brokers kafka-1:9092,kafka-2:9092`

const setShortDesc string = "Set a configuration value"

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "set <key> <value>",
		Short:             setShortDesc,
		Long:              setLongDesc,
		Args:              cobra.ExactArgs(2),
		ValidArgsFunction: completeKeys,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSet(cmd, args[0], args[1])
		},
	}
}

func runSet(cmd *cobra.Command, key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}

	cfger, err := openConfiger(cmd)
	if err != nil {
		return err
	}

	previous, err := cfger.GetConfigValue(key)
	if err != nil {
		return err
	}
	if err := cfger.SetConfigValue(key, value); err != nil {
		return err
	}

	if previous == "" {
		previous = "<not set>"
	}

	out := cmd.OutOrStdout()
	printSource(out, cfger.GetTarget())
	fmt.Fprintf(out, "  %s %s  %s -> %s\n\n",
		cliui.SuccessMark,
		cliui.KeyStyle.Render(key),
		cliui.DimStyle.Render(previous),
		cliui.ValueStyle.Render(value),
	)
	return nil
}
