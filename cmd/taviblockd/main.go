// taviblockd is the privileged host-level domain blocker daemon.
package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/tavinathanson/taviblock/internal/adapter/rodadapter"
	"github.com/tavinathanson/taviblock/internal/daemon"
)

var (
	flagConfig      string
	flagDataDir     string
	flagHostsPath   string
	flagSocketPath  string
	flagDevToolsURL string
)

var rootCmd = &cobra.Command{
	Use:   "taviblockd",
	Short: "Privileged host-level domain blocker daemon",
	Long: `taviblockd enforces a default-deny domain blocklist at the hosts-file
level, granting access only through time-bounded sessions governed by
wait periods, concurrency limits, cooldowns, and progressive penalties.

It must run with sufficient privilege to edit the system hosts file.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.Flags().StringVar(&flagConfig, "config", "/etc/taviblock/config.toml", "path to the configuration document")
	rootCmd.Flags().StringVar(&flagDataDir, "data-dir", "/var/lib/taviblock", "directory for the session store and lock file")
	rootCmd.Flags().StringVar(&flagHostsPath, "hosts-path", "/etc/hosts", "path to the system hosts file")
	rootCmd.Flags().StringVar(&flagSocketPath, "socket-path", "", "path for the control socket (defaults under data-dir)")
	rootCmd.Flags().StringVar(&flagDevToolsURL, "devtools-url", "http://127.0.0.1:9222", "Chrome DevTools Protocol endpoint for the reference platform adapter")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := log.New(os.Stderr, "taviblockd: ", log.LstdFlags)

	d, err := daemon.New(daemon.Options{
		ConfigPath: flagConfig,
		DataDir:    flagDataDir,
		HostsPath:  flagHostsPath,
		SocketPath: flagSocketPath,
		Adapter:    rodadapter.New(flagDevToolsURL, logger),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// daemon.Run installs its own signal handling (SIGHUP reload,
	// SIGINT/SIGTERM fail-closed shutdown); main only needs to supply a
	// cancellable root context.
	return d.Run(context.Background())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
