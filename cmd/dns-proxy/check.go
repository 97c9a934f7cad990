package main

import (
	"fmt"
	"sort"

	"dns-proxy/pkg/config"
	"dns-proxy/pkg/dns"

	"github.com/spf13/cobra"
)

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the compiled routing tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			routes, err := dns.NewRoutes(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration %s is valid\n\n", *configPath)
			fmt.Fprintf(out, "  listen:       %s\n", cfg.ListenAddress())
			fmt.Fprintf(out, "  nameservers:  %v\n", cfg.Nameservers)

			summary := routes.Summary()
			keys := make([]string, 0, len(summary))
			for k := range summary {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(out, "  %-13s %v\n", k+":", summary[k])
			}

			rules := routes.Selector.Rules()
			if len(rules) > 0 {
				fmt.Fprintln(out, "\nServer rules (last match wins):")
				for _, r := range rules {
					fmt.Fprintf(out, "  *%s* -> %s\n", r.Match, r.Upstream)
				}
			}
			return nil
		},
	}
}
