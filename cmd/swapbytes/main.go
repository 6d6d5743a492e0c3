package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cosmqc/swapbytes/internal/commands"
)

var opts commands.ChatOptions

var rootCmd = &cobra.Command{
	Use:   "swapbytes",
	Short: "Peer-to-peer chat and file swapping",
	Long: `swapbytes joins a peer-to-peer chat room found through mDNS on the local
network or through a rendezvous server. Peers publish file metadata to a
shared directory and swap files one for one.

Configuration is read from swapbytes.toml in the working directory (or
--config), then SWAPBYTES_* variables from the environment and .env, then
flags.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return commands.RunChat(opts, os.Stdin, os.Stdout, os.Stderr)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.IntVarP(&opts.Port, "port", "p", 0, "Port to listen on for TCP and QUIC (default: random)")
	flags.StringVar(&opts.Rendezvous, "rendezvous", "", "IP address of the rendezvous server")
	flags.StringVar(&opts.ConfigPath, "config", "", "Path to a TOML config file")
	flags.StringVar(&opts.EnvFile, "env-file", "", "Path to a dotenv file (default: .env)")
	flags.StringVar(&opts.Nickname, "nick", "", "Initial nickname")
	flags.StringVar(&opts.DownloadDir, "download-dir", "", "Directory for files received in trades")
	flags.StringVar(&opts.Monitor, "monitor", "", "Address for the metrics and event feed server, e.g. 127.0.0.1:9090")
	flags.StringVar(&opts.IdentityFile, "identity", "", "File holding the node key, created if missing")
	flags.BoolVar(&opts.NoMDNS, "no-mdns", false, "Disable local network discovery")
	flags.CountVarP(&opts.Verbosity, "verbose", "v", "Verbose logging (can be specified multiple times: -v, -vv)")

	rootCmd.AddCommand(commands.PsCmd)
	rootCmd.AddCommand(commands.KillCmd)
	rootCmd.AddCommand(commands.KillAllCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
