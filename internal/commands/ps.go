package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/spf13/cobra"

	"github.com/cosmqc/swapbytes/internal/directory"
	"github.com/cosmqc/swapbytes/internal/pidfile"
)

var psVerbose bool

// PsCmd represents the ps command
var PsCmd = &cobra.Command{
	Use:   "ps",
	Short: "List running swapbytes nodes",
	Long:  `List the process, peer ID and nickname of every swapbytes node running on this machine.`,
	RunE:  runPs,
}

func init() {
	PsCmd.Flags().BoolVarP(&psVerbose, "verbose", "v", false, "Show listen addresses and command lines")
}

func runPs(cmd *cobra.Command, args []string) error {
	entries, err := pidfile.List()
	if err != nil {
		return fmt.Errorf("failed to list processes: %w", err)
	}
	printEntries(cmd.OutOrStdout(), entries, psVerbose, pidfile.CommandLine)
	return nil
}

func printEntries(w io.Writer, entries []pidfile.Entry, verbose bool, cmdline func(int32) string) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No running swapbytes nodes found")
		return
	}

	fmt.Fprintf(w, "Running swapbytes nodes (%d):\n", len(entries))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tPEER\tNICK\tUP")
	for _, e := range entries {
		nick := e.Nickname
		if nick == "" {
			nick = "-"
		}
		short := e.PeerID
		if id, err := peer.Decode(e.PeerID); err == nil {
			short = directory.ShortID(id)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.PID, short, nick, time.Since(e.StartedAt).Round(time.Second))
		if verbose {
			for _, a := range e.Addrs {
				fmt.Fprintf(tw, "\t  %s\t\t\n", a)
			}
			if line := cmdline(e.PID); line != "" {
				fmt.Fprintf(tw, "\t  %s\t\t\n", line)
			}
		}
	}
	tw.Flush()
}
