package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cosmqc/swapbytes/internal/pidfile"
)

// KillCmd represents the kill command
var KillCmd = &cobra.Command{
	Use:   "kill PID",
	Short: "Stop a running swapbytes node",
	Long:  `Stop the swapbytes node with the given process ID, as listed by ps.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runKill,
}

func runKill(cmd *cobra.Command, args []string) error {
	pid64, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid PID: %s", args[0])
	}
	pid := int32(pid64)

	if err := pidfile.Kill(pid); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Stopped node %d\n", pid)
	return nil
}
