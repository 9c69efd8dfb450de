package configcmder

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/sipfork/pkg/cliui"
)

const getLongDesc string = `Get a configuration value.

Prints the value a sipfork instance started from this config directory
would use for the key, before flags and SIPFORK_* variables apply.
Unset keys fall back to the built-in defaults.

With --raw only the value is printed, for use in scripts.

Examples:
  sipfork config get storage.driver
  sipfork config get push.ringing_timeout
  sipfork config get api.listen --raw`

const getShortDesc string = "Get a configuration value"

func newGetCmd() *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:               "get <key>",
		Short:             getShortDesc,
		Long:              getLongDesc,
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeKeys,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, args[0], raw)
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print only the value")

	return cmd
}

func runGet(cmd *cobra.Command, key string, raw bool) error {
	if err := checkKey(key); err != nil {
		return err
	}

	cfger, err := openConfiger(cmd)
	if err != nil {
		return err
	}

	value, err := cfger.GetConfigValue(key)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if raw {
		fmt.Fprintln(out, value)
		return nil
	}

	printSource(out, cfger.GetTarget())
	if value == "" {
		value = cliui.DimStyle.Render("<not set>")
	}
	cliui.KeyValue(out, len(key), key, value)
	fmt.Fprintln(out)
	return nil
}
