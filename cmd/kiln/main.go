// Command kiln runs the job coordinator and talks to a running one over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/seantiz/kiln/internal/config"
)

var (
	v       = config.New()
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:           "kiln",
	Short:         "Job queue that runs handlers in sandboxed worker processes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		return config.ReadFile(v, cfgFile)
	},
}

func main() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (default ./kiln.yaml or /etc/kiln/kiln.yaml)")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.StringP("server", "s", "http://localhost:8080", "kiln API base URL for client commands")
	bindFlag(pf.Lookup("log-level"), "log_level")
	bindFlag(pf.Lookup("server"), "server")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newEnqueueCmd(), newStatusCmd(), newListCmd(), newCancelCmd(), newRemoveCmd())
	rootCmd.AddCommand(newHandlersCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kiln:", err)
		os.Exit(1)
	}
}

func bindFlag(f *pflag.Flag, key string) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}
