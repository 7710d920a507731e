package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/sessamekesh/wsroutes/internal/config"
	"github.com/spf13/cobra"
)

func newRoutesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "List the configured routes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return printRoutes(cmd.OutOrStdout(), cfg)
		},
	}
}

func printRoutes(out io.Writer, cfg *config.Config) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPATH\tAUTH\tALLOWED ORIGINS")
	for _, name := range cfg.RouteNames() {
		route := cfg.Routes[name]
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", name, route.Path, route.Authorizable, strings.Join(route.AllowedOrigins, ","))
	}
	return w.Flush()
}
