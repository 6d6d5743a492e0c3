package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cosmqc/swapbytes/internal/pidfile"
)

// KillAllCmd represents the killall command
var KillAllCmd = &cobra.Command{
	Use:   "killall",
	Short: "Stop every running swapbytes node",
	RunE:  runKillAll,
}

func runKillAll(cmd *cobra.Command, args []string) error {
	killed, err := pidfile.KillAll()
	if err != nil {
		return fmt.Errorf("failed to stop nodes: %w", err)
	}

	out := cmd.OutOrStdout()
	if killed == 0 {
		fmt.Fprintln(out, "No running swapbytes nodes found")
	} else {
		fmt.Fprintf(out, "Stopped %d node(s)\n", killed)
	}
	return nil
}
