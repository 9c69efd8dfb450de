// Package statuscmder provides the status command for displaying the fork
// counts of a running sipfork instance.
package statuscmder

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/sipfork/cmd/sipfork/apiclient"
	"github.com/papercomputeco/sipfork/pkg/cliui"
	"github.com/papercomputeco/sipfork/pkg/config"
	"github.com/papercomputeco/sipfork/router"
)

type statusCommander struct {
	apiTarget string
}

const statusLongDesc string = `Show the fork counts of a running sipfork instance.

Reads /stats from the admin API and prints how many forks are resident,
how many wait in storage, and the store and push counters.

Examples:
  sipfork status
  sipfork status --api-target http://sipfork-1:8081`

const statusShortDesc string = "Show fork counts of a running instance"

func NewStatusCmd() *cobra.Command {
	cmder := &statusCommander{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: statusShortDesc,
		Long:  statusLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			configDir, _ := cmd.Flags().GetString("config-dir")
			v, err := config.InitViper(configDir)
			if err != nil {
				return err
			}
			config.BindRegisteredFlags(v, cmd, config.ClientFlags, []string{config.FlagAPITarget})

			client, err := apiclient.New(v.GetString("client.api_target"))
			if err != nil {
				return err
			}
			return cmder.run(cmd.Context(), cmd.OutOrStdout(), client)
		},
	}

	config.AddStringFlag(cmd, config.ClientFlags, config.FlagAPITarget, &cmder.apiTarget)

	return cmd
}

func (c *statusCommander) run(ctx context.Context, w io.Writer, client *apiclient.Client) error {
	stats, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("fetching stats: %w", err)
	}

	Render(w, stats)
	return nil
}

// Render prints stats as aligned key/value lines.
func Render(w io.Writer, stats *router.Stats) {
	rows := []struct {
		key   string
		value int64
	}{
		{"Forks", int64(stats.Forks)},
		{"Resident", int64(stats.Resident)},
		{"Evicted", int64(stats.Evicted)},
		{"Message forks", stats.Metrics.MessageForks},
		{"Saves", stats.Metrics.Saves},
		{"Save errors", stats.Metrics.SaveErrors},
		{"Restores", stats.Metrics.Restores},
		{"Restore errors", stats.Metrics.RestoreErrors},
		{"Pushes", stats.Metrics.Pushes},
		{"Push errors", stats.Metrics.PushErrors},
		{"Ringing timeouts", stats.Metrics.RingingTimeout},
	}

	width := 0
	for _, r := range rows {
		width = max(width, len(r.key))
	}

	fmt.Fprintf(w, "\n  %s\n\n", cliui.HeaderStyle.Render("sipfork"))
	for _, r := range rows {
		cliui.KeyValue(w, width, r.key, strconv.FormatInt(r.value, 10))
	}
	fmt.Fprintln(w)
}
