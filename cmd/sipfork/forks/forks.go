// Package forkscmder provides the forks command for inspecting and moving the
// forks of a running sipfork instance.
package forkscmder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/sipfork/cmd/sipfork/apiclient"
	"github.com/papercomputeco/sipfork/pkg/cliui"
	"github.com/papercomputeco/sipfork/pkg/config"
	"github.com/papercomputeco/sipfork/pkg/fork/dbproxy"
	"github.com/papercomputeco/sipfork/pkg/utils"
)

// callIDWidth is the column width of Call-IDs in the list output. Longer
// Call-IDs are elided.
const callIDWidth = 24

const forksLongDesc string = `Inspect and move the forks of a running sipfork instance.

Forks are addressed by snapshot ID or Call-ID.

  sipfork forks list                  List every fork
  sipfork forks evict <id>            Write a fork to storage now
  sipfork forks materialize <id>      Load a fork back in memory`

const forksShortDesc string = "Inspect and move forks"

func NewForksCmd() *cobra.Command {
	var apiTarget string

	cmd := &cobra.Command{
		Use:   "forks",
		Short: forksShortDesc,
		Long:  forksLongDesc,
	}
	cmd.PersistentFlags().StringVarP(&apiTarget, "api-target", "a",
		config.NewDefaultConfig().Client.APITarget, "sipfork API server URL")

	cmd.AddCommand(newListCmd())
	cmd.AddCommand(newTransitionCmd("evict", "Write a fork to storage now",
		func(ctx context.Context, c *apiclient.Client, id string) (*dbproxy.Info, error) {
			return c.Evict(ctx, id)
		}))
	cmd.AddCommand(newTransitionCmd("materialize", "Load a fork back in memory",
		func(ctx context.Context, c *apiclient.Client, id string) (*dbproxy.Info, error) {
			return c.Materialize(ctx, id)
		}))

	return cmd
}

// clientFor resolves the API target from the flag, SIPFORK_CLIENT_API_TARGET
// or config.toml.
func clientFor(cmd *cobra.Command) (*apiclient.Client, error) {
	configDir, _ := cmd.Flags().GetString("config-dir")
	v, err := config.InitViper(configDir)
	if err != nil {
		return nil, err
	}
	if f := cmd.Flags().Lookup("api-target"); f != nil {
		_ = v.BindPFlag("client.api_target", f)
	}
	return apiclient.New(v.GetString("client.api_target"))
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every fork",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}

			list, err := client.Forks(cmd.Context())
			if err != nil {
				return fmt.Errorf("listing forks: %w", err)
			}
			RenderList(cmd.OutOrStdout(), list.Forks)
			return nil
		},
	}
}

func newTransitionCmd(
	action, short string,
	move func(ctx context.Context, c *apiclient.Client, id string) (*dbproxy.Info, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFor(cmd)
			if err != nil {
				return err
			}

			var info *dbproxy.Info
			w := cmd.OutOrStdout()
			err = cliui.Step(w, fmt.Sprintf("%s %s", action, args[0]), func() error {
				var err error
				info, err = move(cmd.Context(), client, args[0])
				return err
			})
			switch {
			case errors.Is(err, apiclient.ErrNotFound):
				return fmt.Errorf("no fork %q", args[0])
			case err != nil:
				return err
			case info == nil:
				fmt.Fprintf(w, "  %s\n", cliui.DimStyle.Render("fork finished"))
			default:
				RenderList(w, []dbproxy.Info{*info})
			}
			return nil
		},
	}
}

// RenderList prints one line per fork.
func RenderList(w io.Writer, forks []dbproxy.Info) {
	if len(forks) == 0 {
		fmt.Fprintf(w, "  %s\n", cliui.DimStyle.Render("No forks."))
		return
	}

	for _, info := range forks {
		expires := "never"
		if !info.ExpiresAt.IsZero() {
			expires = info.ExpiresAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "  %s  %-*s  %s  %s\n",
			cliui.KeyStyle.Render(info.ID),
			callIDWidth, utils.Elide(info.CallID, callIDWidth),
			cliui.Phase(info.Phase),
			cliui.DimStyle.Render("expires "+expires),
		)
	}
}
