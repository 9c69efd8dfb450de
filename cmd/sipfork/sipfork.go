// Package sipforkcmder is the root of the sipfork command tree.
package sipforkcmder

import (
	"github.com/spf13/cobra"

	configcmder "github.com/papercomputeco/sipfork/cmd/sipfork/config"
	forkscmder "github.com/papercomputeco/sipfork/cmd/sipfork/forks"
	servecmder "github.com/papercomputeco/sipfork/cmd/sipfork/serve"
	statuscmder "github.com/papercomputeco/sipfork/cmd/sipfork/status"
	versioncmder "github.com/papercomputeco/sipfork/cmd/version"
)

const sipforkLongDesc string = `sipfork keeps SIP fork operations alive across restarts.

A request forked to several devices may wait minutes for a phone to wake up.
sipfork writes such forks to storage once every branch answered, loads them
back when a device registers, and sends push notifications to wake devices.

  sipfork serve      Run an instance
  sipfork status     Show fork counts of a running instance
  sipfork forks      Inspect and move forks
  sipfork config     Manage persistent configuration`

const sipforkShortDesc string = "sipfork - persistent SIP fork operations"

func NewSipforkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "sipfork",
		Short:        sipforkShortDesc,
		Long:         sipforkLongDesc,
		SilenceUsage: true,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().String("config-dir", "", "Directory holding config.toml (default: ./.sipfork or ~/.sipfork)")

	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(statuscmder.NewStatusCmd())
	cmd.AddCommand(forkscmder.NewForksCmd())
	cmd.AddCommand(configcmder.NewConfigCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
