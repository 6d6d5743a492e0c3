package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cosmqc/swapbytes/internal/protocol"
)

const Version = "0.3.0"

// VersionCmd represents the version command
var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display the version of swapbytes",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "swapbytes version %s (protocol %s)\n", Version, protocol.DirectProtocol)
	},
}
