package configcmder

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/sipfork/pkg/cliui"
	"github.com/papercomputeco/sipfork/pkg/config"
)

const listLongDesc string = `List all configuration values.

Prints every key grouped by section (storage, router, push, sip, api,
client, eventstream, telemetry) with the value from config.toml or the
built-in default.

Examples:
  sipfork config list
  sipfork config list --config-dir /etc/sipfork`

const listShortDesc string = "List all configuration values"

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: listShortDesc,
		Long:  listLongDesc,
		Args:  cobra.NoArgs,
		RunE:  runList,
	}
}

func runList(cmd *cobra.Command, _ []string) error {
	cfger, err := openConfiger(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printSource(out, cfger.GetTarget())

	keys := config.ValidConfigKeys()
	width := 0
	for _, key := range keys {
		width = max(width, len(key))
	}

	section := ""
	for _, key := range keys {
		if s, _, _ := strings.Cut(key, "."); s != section {
			if section != "" {
				fmt.Fprintln(out)
			}
			section = s
			fmt.Fprintf(out, "  %s\n", cliui.HeaderStyle.Render("["+section+"]"))
		}

		value, err := cfger.GetConfigValue(key)
		if err != nil {
			return err
		}
		if value == "" {
			value = cliui.DimStyle.Render("<not set>")
		}
		cliui.KeyValue(out, width, key, value)
	}
	fmt.Fprintln(out)
	return nil
}
