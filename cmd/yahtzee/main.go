package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	signalURL   string
	playerName  string
	logLevel    string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "yahtzee",
	Short: "Peer-to-peer Yahtzee over WebRTC data channels",
	Long: `yahtzee - peer-to-peer Yahtzee over WebRTC data channels

One player hosts a room and holds the authoritative game; the others join
by room code. A signaling broker only introduces the peers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&signalURL, "signal", "", "signaling broker websocket URL")
	rootCmd.PersistentFlags().StringVarP(&playerName, "name", "n", "", "display name")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")

	rootCmd.AddCommand(hostCmd, joinCmd, localCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
