package main

import (
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
)

func newHandlersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "handlers",
		Short: "Inspect configured handlers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Resolve every configured handler program path",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return checkHandlers(afero.NewOsFs(), cfg.Handlers)
		},
	})
	return cmd
}

// checkHandlers prints the resolved path of each handler and fails if any is missing.
func checkHandlers(fs afero.Fs, paths map[string]string) error {
	names := make([]string, 0, len(paths))
	for name := range paths {
		names = append(names, name)
	}
	slices.Sort(names)

	h := engine.NewHandlers(fs)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPATH\tSTATUS")

	failed := 0
	for _, name := range names {
		if err := h.SetFile(name, paths[name]); err != nil {
			failed++
			fmt.Fprintf(tw, "%s\t%s\t%v\n", name, paths[name], err)
			continue
		}
		handler, _ := h.Get(name)
		fmt.Fprintf(tw, "%s\t%s\tok\n", name, handler.Path)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d handlers could not be resolved", failed, len(names))
	}
	return nil
}
